// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, "*", p.RecoverySymbol)
	assert.Equal(t, 9, p.InitiationAttempts)
	assert.Len(t, p.ResponseLocators, 2)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `
home_markers: ["Main Menu"]
initiation_attempts: 3
response_locators:
  - using: id
    value: com.example:id/text
    timeout: 3s
capabilities:
  appium:language: en
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"Main Menu"}, p.HomeMarkers)
	assert.Equal(t, 3, p.InitiationAttempts)
	require.Len(t, p.ResponseLocators, 1)
	assert.Equal(t, driver.Locator{Using: driver.ByID, Value: "com.example:id/text", Timeout: 3 * time.Second}, p.ResponseLocators[0])
	assert.Equal(t, Default().Submit, p.Submit)
	assert.Equal(t, "*", p.RecoverySymbol)
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recovery_symbol: \"##\"\ninitiation_attempts: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_symbol")
	assert.Contains(t, err.Error(), "initiation_attempts")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSessionCapabilities(t *testing.T) {
	p := Default()
	p.Capabilities = map[string]any{"appium:newCommandTimeout": 300}

	caps := p.SessionCapabilities(driver.Target{DeviceID: "emulator-5554", PlatformVersion: "14"})

	assert.Equal(t, "Android", caps["platformName"])
	assert.Equal(t, "emulator-5554", caps["appium:udid"])
	assert.Equal(t, "14", caps["appium:platformVersion"])
	assert.Equal(t, true, caps["appium:noReset"])
	assert.Equal(t, 300, caps["appium:newCommandTimeout"])
}
