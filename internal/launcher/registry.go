// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
)

// Info describes an active run.
type Info struct {
	Scope     domain.RunScope `json:"scope"`
	DeviceID  string          `json:"device_id"`
	StartedAt time.Time       `json:"started_at"`
}

type handle struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks active runs by scope and the device each one drives. One
// scope and one device may each have at most one active run.
type Registry struct {
	mu      sync.Mutex
	runs    map[domain.RunScope]*handle
	devices map[string]domain.RunScope
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		runs:    map[domain.RunScope]*handle{},
		devices: map[string]domain.RunScope{},
		now:     time.Now,
	}
}

func (r *Registry) acquire(scope domain.RunScope, deviceID string, cancel context.CancelFunc) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[scope]; ok {
		return nil, domain.ErrRunActive
	}
	if deviceID != "" {
		if _, ok := r.devices[deviceID]; ok {
			return nil, domain.ErrDeviceBusy
		}
	}

	h := &handle{
		info: Info{
			Scope:     scope,
			DeviceID:  deviceID,
			StartedAt: r.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.runs[scope] = h
	if deviceID != "" {
		r.devices[deviceID] = scope
	}
	return h, nil
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.runs[h.info.Scope]; ok && cur == h {
		delete(r.runs, h.info.Scope)
	}
	if scope, ok := r.devices[h.info.DeviceID]; ok && scope == h.info.Scope {
		delete(r.devices, h.info.DeviceID)
	}
	close(h.done)
}

func (r *Registry) Active(scope domain.RunScope) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.runs[scope]
	if !ok {
		return Info{}, false
	}
	return h.info, true
}

// List returns the active runs ordered by start time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.runs))
	for _, h := range r.runs {
		out = append(out, h.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Scope < out[j].Scope
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop cancels the context of an active run. It reports whether the scope
// was active.
func (r *Registry) Stop(scope domain.RunScope) bool {
	r.mu.Lock()
	h, ok := r.runs[scope]
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Done returns a channel closed when the run for scope finishes, or nil when
// no such run is active.
func (r *Registry) Done(scope domain.RunScope) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.runs[scope]
	if !ok {
		return nil
	}
	return h.done
}

// BatchIDs returns the batches with an active run.
func (r *Registry) BatchIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, 0, len(r.runs))
	for scope := range r.runs {
		if id, ok := scope.BatchID(); ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
