// SPDX-License-Identifier: Apache-2.0

// Package profile loads the device driver profile: which elements hold the
// dialog input, submit button and response text, and how sessions start.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adiadia/ussd-runner/internal/driver"
	"gopkg.in/yaml.v3"
)

type Profile struct {
	InputField         driver.Locator   `yaml:"input_field"`
	Submit             driver.Locator   `yaml:"submit"`
	ResponseLocators   []driver.Locator `yaml:"response_locators"`
	InitiationLocators []driver.Locator `yaml:"initiation_locators"`
	CancelLocators     []driver.Locator `yaml:"cancel_locators"`
	ConfirmLocators    []driver.Locator `yaml:"confirm_locators"`
	HomeMarkers        []string         `yaml:"home_markers"`
	RecoverySymbol     string           `yaml:"recovery_symbol"`
	InitiationAttempts int              `yaml:"initiation_attempts"`
	PollInterval       time.Duration    `yaml:"poll_interval"`
	Capabilities       map[string]any   `yaml:"capabilities"`
}

// Default returns the profile for the stock Android phone dialer.
func Default() Profile {
	return Profile{
		InputField: driver.Locator{Using: driver.ByClassName, Value: "android.widget.EditText", Timeout: 5 * time.Second},
		Submit:     driver.Locator{Using: driver.ByXPath, Value: "//*[@text='SEND' or @text='Send' or @text='send']", Timeout: 7 * time.Second},
		ResponseLocators: []driver.Locator{
			{Using: driver.ByID, Value: "android:id/message", Timeout: 7 * time.Second},
			{Using: driver.ByID, Value: "com.android.phone:id/message", Timeout: 5 * time.Second},
		},
		InitiationLocators: []driver.Locator{
			{Using: driver.ByID, Value: "com.android.phone:id/message", Timeout: 10 * time.Second},
		},
		CancelLocators: []driver.Locator{
			{Using: driver.ByXPath, Value: "//*[@text='Cancel' or @text='CANCEL' or @text='Dismiss' or @text='DISMISS']", Timeout: 2 * time.Second},
		},
		ConfirmLocators: []driver.Locator{
			{Using: driver.ByXPath, Value: "//*[@text='OK' or @text='Ok' or @text='ok']", Timeout: 2 * time.Second},
		},
		HomeMarkers:        []string{"welcome", "Bank", "Abyssinia"},
		RecoverySymbol:     "*",
		InitiationAttempts: 9,
		PollInterval:       500 * time.Millisecond,
	}
}

// Load reads a YAML profile and overlays it on Default. An empty path
// returns Default.
func Load(path string) (Profile, error) {
	p := Default()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read driver profile: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse driver profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("driver profile %s: %w", path, err)
	}
	return p, nil
}

func (p Profile) Validate() error {
	var errs []error
	if p.InputField.Value == "" {
		errs = append(errs, errors.New("input_field is required"))
	}
	if p.Submit.Value == "" {
		errs = append(errs, errors.New("submit is required"))
	}
	if len(p.ResponseLocators) == 0 {
		errs = append(errs, errors.New("at least one response locator is required"))
	}
	for i, loc := range append(append([]driver.Locator{}, p.ResponseLocators...), p.InitiationLocators...) {
		if loc.Using == "" || loc.Value == "" {
			errs = append(errs, fmt.Errorf("locator %d: using and value are required", i))
		}
	}
	if len([]rune(p.RecoverySymbol)) != 1 {
		errs = append(errs, fmt.Errorf("recovery_symbol must be a single character, got %q", p.RecoverySymbol))
	}
	if p.InitiationAttempts < 1 {
		errs = append(errs, errors.New("initiation_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// SessionCapabilities returns the Appium capabilities for target.
func (p Profile) SessionCapabilities(target driver.Target) map[string]any {
	caps := map[string]any{
		"platformName":             "Android",
		"appium:automationName":    "UiAutomator2",
		"appium:deviceName":        target.DeviceID,
		"appium:udid":              target.DeviceID,
		"appium:noReset":           true,
		"appium:newCommandTimeout": 180,
	}
	if target.PlatformVersion != "" {
		caps["appium:platformVersion"] = target.PlatformVersion
	}
	for k, v := range p.Capabilities {
		caps[k] = v
	}
	return caps
}
