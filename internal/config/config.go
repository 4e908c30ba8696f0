// Package config collects the per-package environment configuration for
// the api binary.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/flows"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/provider"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/database"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	Addr            string
	StaticDir       string
	Dev             bool
	ShutdownTimeout time.Duration
	StorageDriver   string // postgres or memory
	BusDriver       string // redis or memory
	PermErrorLimit  int

	Log      utilities.Config
	Database database.Config
	Redis    database.RedisConfig
	Token    token.Config
	Google   provider.OIDCConfig
	GenAI    flows.GenAIConfig
	Cookies  identity.CookieOptions
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		Addr:            getenv("HTTP_ADDR", "0.0.0.0:8431"),
		StaticDir:       os.Getenv("STATIC_DIR"),
		Dev:             os.Getenv("APP_ENV") == "development",
		ShutdownTimeout: 5 * time.Second,
		StorageDriver:   strings.ToLower(getenv("STORAGE_DRIVER", DriverPostgres)),
		BusDriver:       strings.ToLower(getenv("BUS_DRIVER", DriverRedis)),
		PermErrorLimit:  100,
		Log:             utilities.ConfigFromEnv(),
		Token:           token.ConfigFromEnv(),
		Google:          provider.GoogleConfigFromEnv(),
		GenAI:           flows.GenAIConfigFromEnv(),
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	switch cfg.StorageDriver {
	case DriverPostgres:
		cfg.Database = database.ConfigFromEnv()
	case DriverMemory:
	default:
		return cfg, fmt.Errorf("STORAGE_DRIVER must be %s or %s, got %q", DriverPostgres, DriverMemory, cfg.StorageDriver)
	}
	switch cfg.BusDriver {
	case DriverRedis:
		cfg.Redis = database.RedisConfigFromEnv()
	case DriverMemory:
	default:
		return cfg, fmt.Errorf("BUS_DRIVER must be %s or %s, got %q", DriverRedis, DriverMemory, cfg.BusDriver)
	}

	cfg.Cookies = identity.CookieOptions{
		Path:     "/",
		Secure:   !cfg.Dev,
		SameSite: http.SameSiteLaxMode,
		Domain:   os.Getenv("COOKIE_DOMAIN"),
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
