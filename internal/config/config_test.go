package config

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("BUS_DRIVER", "")
	t.Setenv("APP_ENV", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("SHUTDOWN_TIMEOUT", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8431", cfg.Addr)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, DriverRedis, cfg.BusDriver)
	assert.NotEmpty(t, cfg.Database.DSN)
	assert.NotEmpty(t, cfg.Redis.Addr)
	assert.True(t, cfg.Cookies.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cfg.Cookies.SameSite)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestFromEnvMemoryDevelopment(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Memory")
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("APP_ENV", "development")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
	assert.Empty(t, cfg.Database.DSN)
	assert.Empty(t, cfg.Redis.Addr)
	assert.True(t, cfg.Dev)
	assert.False(t, cfg.Cookies.Secure)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
}

func TestFromEnvRejectsUnknownDrivers(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "mysql")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "STORAGE_DRIVER")

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("BUS_DRIVER", "kafka")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "BUS_DRIVER")

	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "SHUTDOWN_TIMEOUT")
}
