// SPDX-License-Identifier: Apache-2.0

// Package driver defines the capabilities the step engine needs from a
// remote UI automation session.
package driver

import (
	"context"
	"errors"
	"time"
)

// Locator strategies understood by WebDriver endpoints.
const (
	ByID        = "id"
	ByXPath     = "xpath"
	ByClassName = "class name"
)

var (
	ErrElementNotFound    = errors.New("element not found")
	ErrSessionUnavailable = errors.New("session driver unavailable")
)

// Locator is one element lookup strategy with its own bounded wait.
type Locator struct {
	Using   string        `yaml:"using" json:"using"`
	Value   string        `yaml:"value" json:"value"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func (l Locator) String() string {
	return l.Using + "=" + l.Value
}

// Target selects the device a session is opened against.
type Target struct {
	DeviceID        string
	PlatformVersion string
}

// Session is a live automation session bound to one device.
// Implementations are not safe for concurrent use.
type Session interface {
	// SendText clears the element found by loc and types text into it.
	SendText(ctx context.Context, loc Locator, text string) error
	// Submit clicks the element found by loc.
	Submit(ctx context.Context, loc Locator) error
	// CaptureText tries each locator in order and returns the longest
	// displayed text of the first locator that yields any.
	CaptureText(ctx context.Context, locs []Locator) (string, bool)
	Screenshot(ctx context.Context, path string) error
	// Initiate starts a new service session by dialling code.
	Initiate(ctx context.Context, code string) error
	// CancelOrDismiss closes whatever dialog is showing, best-effort.
	CancelOrDismiss(ctx context.Context)
	Quit(ctx context.Context) error
}

// Factory opens a session for target.
type Factory func(ctx context.Context, target Target) (Session, error)
