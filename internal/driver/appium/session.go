// SPDX-License-Identifier: Apache-2.0

package appium

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/adiadia/ussd-runner/internal/profile"
)

// Session implements driver.Session on top of an Appium client.
type Session struct {
	client  *Client
	profile profile.Profile
	logger  *slog.Logger
}

// NewFactory returns a driver.Factory that opens Appium sessions on serverURL.
func NewFactory(serverURL string, prof profile.Profile, logger *slog.Logger) driver.Factory {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, target driver.Target) (driver.Session, error) {
		client := NewClient(serverURL)
		if err := client.Connect(ctx, prof.SessionCapabilities(target)); err != nil {
			logger.Error("appium session failed",
				"server_url", serverURL,
				"device_id", target.DeviceID,
				"error", err,
			)
			return nil, fmt.Errorf("%w: %v", driver.ErrSessionUnavailable, err)
		}

		logger.Info("appium session opened",
			"device_id", target.DeviceID,
			"platform_version", target.PlatformVersion,
			"session_id", client.SessionID(),
		)
		return &Session{client: client, profile: prof, logger: logger}, nil
	}
}

func (s *Session) SendText(ctx context.Context, loc driver.Locator, text string) error {
	id, err := s.waitForElement(ctx, loc)
	if err != nil {
		return err
	}

	displayed, err := s.client.IsElementDisplayed(ctx, id)
	if err != nil {
		return err
	}
	if !displayed {
		return fmt.Errorf("%w: %s not displayed", driver.ErrElementNotFound, loc)
	}

	if err := s.client.ClearElement(ctx, id); err != nil {
		return err
	}
	return s.client.SendKeysToElement(ctx, id, text)
}

func (s *Session) Submit(ctx context.Context, loc driver.Locator) error {
	id, err := s.waitForElement(ctx, loc)
	if err != nil {
		return err
	}
	return s.client.ClickElement(ctx, id)
}

func (s *Session) CaptureText(ctx context.Context, locs []driver.Locator) (string, bool) {
	for _, loc := range locs {
		text := s.longestText(ctx, loc)
		if text != "" {
			return text, true
		}
		s.logger.Debug("no text for locator", "locator", loc.String())
	}
	return "", false
}

func (s *Session) Screenshot(ctx context.Context, path string) error {
	png, err := s.client.Screenshot(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, png, 0o644)
}

func (s *Session) Initiate(ctx context.Context, code string) error {
	_, err := s.client.ExecuteMobile(ctx, "shell", map[string]any{
		"command": "am",
		"args": []string{
			"start", "-a", "android.intent.action.CALL",
			"-d", "tel:" + strings.ReplaceAll(code, "#", "%23"),
		},
	})
	return err
}

// CancelOrDismiss tries cancel-like buttons, then confirm-like buttons, then
// the hardware back key.
func (s *Session) CancelOrDismiss(ctx context.Context) {
	for _, group := range [][]driver.Locator{s.profile.CancelLocators, s.profile.ConfirmLocators} {
		for _, loc := range group {
			id, err := s.waitForElement(ctx, loc)
			if err != nil {
				continue
			}
			if err := s.client.ClickElement(ctx, id); err != nil {
				s.logger.Warn("dismiss click failed", "locator", loc.String(), "error", err)
				continue
			}
			s.logger.Debug("dialog dismissed", "locator", loc.String())
			return
		}
	}

	if err := s.client.PressKeyCode(ctx, keycodeBack); err != nil {
		s.logger.Warn("back key failed", "error", err)
	}
}

func (s *Session) Quit(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Session) waitForElement(ctx context.Context, loc driver.Locator) (string, error) {
	var lastErr error
	found := ""
	s.poll(ctx, loc.Timeout, func() bool {
		id, err := s.client.FindElement(ctx, loc.Using, loc.Value)
		if err != nil {
			lastErr = err
			return false
		}
		found = id
		return true
	})
	if found == "" {
		return "", fmt.Errorf("%w: %s: %v", driver.ErrElementNotFound, loc, lastErr)
	}
	return found, nil
}

// longestText waits up to loc.Timeout for displayed elements with text and
// returns the longest one.
func (s *Session) longestText(ctx context.Context, loc driver.Locator) string {
	best := ""
	s.poll(ctx, loc.Timeout, func() bool {
		ids, err := s.client.FindElements(ctx, loc.Using, loc.Value)
		if err != nil || len(ids) == 0 {
			return false
		}
		for _, id := range ids {
			displayed, err := s.client.IsElementDisplayed(ctx, id)
			if err != nil || !displayed {
				continue
			}
			text, err := s.client.GetElementText(ctx, id)
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if len(text) > len(best) {
				best = text
			}
		}
		return best != ""
	})
	return best
}

// poll calls fn until it reports success, timeout elapses or ctx ends.
// fn always runs at least once.
func (s *Session) poll(ctx context.Context, timeout time.Duration, fn func() bool) {
	interval := s.profile.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		if fn() {
			return
		}
		if time.Now().Add(interval).After(deadline) {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
