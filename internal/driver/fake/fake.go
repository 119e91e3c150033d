// SPDX-License-Identifier: Apache-2.0

// Package fake provides a scripted in-memory driver.Session for tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/adiadia/ussd-runner/internal/driver"
)

var ErrNoInputField = errors.New("fake: no input field on screen")

// Session models a single dialog screen. Every Submit or Initiate moves the
// screen to the next response: the Script entry for the pending input if one
// exists, otherwise the next queued response, otherwise Default.
type Session struct {
	mu sync.Mutex

	Responses []string
	Script    map[string]string
	Default   string

	// NoInputField makes SendText fail, as on a screen without a text box.
	NoInputField    bool
	ScreenshotErr   error
	InitiateScreens []string

	screen          string
	pending         string
	screenshotPaths []string
	sent            []string
	cancelCount     int
	quitCount       int
	initiateCount   int
}

func New(responses ...string) *Session {
	return &Session{Responses: responses}
}

func (s *Session) SendText(_ context.Context, _ driver.Locator, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.NoInputField {
		return ErrNoInputField
	}
	s.pending = text
	s.sent = append(s.sent, text)
	return nil
}

func (s *Session) Submit(_ context.Context, _ driver.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.screen = s.next(s.pending)
	s.pending = ""
	return nil
}

func (s *Session) CaptureText(_ context.Context, _ []driver.Locator) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.screen == "" {
		return "", false
	}
	return s.screen, true
}

func (s *Session) Screenshot(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ScreenshotErr != nil {
		return s.ScreenshotErr
	}
	s.screenshotPaths = append(s.screenshotPaths, path)
	return nil
}

func (s *Session) Initiate(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initiateCount++
	s.sent = append(s.sent, code)
	if len(s.InitiateScreens) > 0 {
		s.screen = s.InitiateScreens[0]
		s.InitiateScreens = s.InitiateScreens[1:]
		return nil
	}
	s.screen = s.next(code)
	return nil
}

func (s *Session) CancelOrDismiss(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCount++
	s.screen = ""
}

func (s *Session) Quit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quitCount++
	return nil
}

// Sent returns every text typed or dialled, in order.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Session) Screenshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.screenshotPaths...)
}

func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCount
}

func (s *Session) QuitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitCount
}

func (s *Session) InitiateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiateCount
}

func (s *Session) next(input string) string {
	if v, ok := s.Script[input]; ok {
		return v
	}
	if len(s.Responses) > 0 {
		v := s.Responses[0]
		s.Responses = s.Responses[1:]
		return v
	}
	return s.Default
}

// Factory returns a driver.Factory that always hands out s.
func Factory(s *Session) driver.Factory {
	return func(context.Context, driver.Target) (driver.Session, error) {
		return s, nil
	}
}

// FailingFactory returns a driver.Factory that never opens a session.
func FailingFactory(err error) driver.Factory {
	return func(context.Context, driver.Target) (driver.Session, error) {
		return nil, err
	}
}
