package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validTestConfig() *Config {
	return &Config{
		Port:            "8470",
		Env:             "test",
		AccessSecret:    "test-access-secret-0123456789abcdef!!",
		RefreshSecret:   "test-refresh-secret-0123456789abcdef!",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
		SendRateLimit:   10,
		SendRateWindow:  time.Second,
		ReconcileWindow: time.Hour,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validTestConfig().Validate())
	})

	t.Run("missing port", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Port = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing secrets", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.AccessSecret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("identical secrets rejected", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.RefreshSecret = cfg.AccessSecret
		assert.Error(t, cfg.Validate())
	})

	t.Run("short secret rejected in production", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Env = "production"
		cfg.DBPassword = "s0mething-strong"
		cfg.AccessSecret = "short"
		assert.Error(t, cfg.Validate())
	})

	t.Run("access TTL must be shorter than refresh TTL", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.AccessTTL = cfg.RefreshTTL
		assert.Error(t, cfg.Validate())
	})

	t.Run("reconcile window bounded at 24h", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.ReconcileWindow = 25 * time.Hour
		assert.Error(t, cfg.Validate())
	})
}
