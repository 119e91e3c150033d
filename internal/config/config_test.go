// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var keys = []string{
	"ENV", "HTTP_ADDR", "DATABASE_URL", "AUTO_MIGRATE", "OPERATOR_TOKEN",
	"APPIUM_URL", "DRIVER_PROFILE", "REPORTS_DIR", "MAX_ADAPTIVE_JUMPS",
	"STEP_SETTLE_DELAY", "BATCH_WEBHOOK_URL", "BATCH_WEBHOOK_SECRET",
	"RECLAIM_AFTER", "WORKER_POLL_INTERVAL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, "dev", cfg.Env)
	assert.Empty(t, cfg.OperatorToken)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "http://localhost:4723", cfg.AppiumURL)
	assert.Equal(t, "reports", cfg.ReportsDir)
	assert.Equal(t, 5, cfg.MaxAdaptiveJumps)
	assert.Equal(t, 5*time.Second, cfg.StepSettleDelay)
	assert.Equal(t, 10*time.Minute, cfg.ReclaimAfter)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
}

func TestLoadRespectsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "sqlite:///tmp/ussd.db")
	t.Setenv("ENV", "prod")
	t.Setenv("OPERATOR_TOKEN", " operator-token ")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("MAX_ADAPTIVE_JUMPS", "2")
	t.Setenv("STEP_SETTLE_DELAY", "250ms")
	t.Setenv("REPORTS_DIR", "/var/reports")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "sqlite:///tmp/ussd.db", cfg.DatabaseURL)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "operator-token", cfg.OperatorToken, "token is trimmed")
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 2, cfg.MaxAdaptiveJumps)
	assert.Equal(t, 250*time.Millisecond, cfg.StepSettleDelay)
	assert.Equal(t, "/var/reports", cfg.ReportsDir)
}

func TestGetenv(t *testing.T) {
	t.Setenv("EXAMPLE_KEY", "value")
	assert.Equal(t, "value", getenv("EXAMPLE_KEY", "fallback"))

	t.Setenv("EXAMPLE_KEY", "")
	assert.Equal(t, "fallback", getenv("EXAMPLE_KEY", "fallback"))
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("BOOL_KEY", "true")
	assert.True(t, getenvBool("BOOL_KEY", false))

	t.Setenv("BOOL_KEY", "0")
	assert.False(t, getenvBool("BOOL_KEY", true))

	t.Setenv("BOOL_KEY", "")
	assert.True(t, getenvBool("BOOL_KEY", true), "blank falls back")
}

func TestGetenvIntAndDuration(t *testing.T) {
	t.Setenv("INT_KEY", "-3")
	assert.Equal(t, 7, getenvInt("INT_KEY", 7), "negative falls back")
	t.Setenv("INT_KEY", "0")
	assert.Equal(t, 0, getenvInt("INT_KEY", 7))

	t.Setenv("DUR_KEY", "soon")
	assert.Equal(t, time.Second, getenvDuration("DUR_KEY", time.Second), "invalid duration falls back")
	t.Setenv("DUR_KEY", "2m")
	assert.Equal(t, 2*time.Minute, getenvDuration("DUR_KEY", time.Second))
}
