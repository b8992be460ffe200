package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is assembled from an optional YAML file (CALSERVE_CONFIG) with
// environment variables taking precedence.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseURL    string `yaml:"base_url"`

	// Backend selects storage: "memory" or "postgres".
	Backend string `yaml:"backend"`

	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`

	Auth struct {
		Realm string `yaml:"realm"`
	} `yaml:"auth"`

	// PrincipalPrefix roots the principal namespace.
	PrincipalPrefix string `yaml:"principal_prefix"`

	// MaxSyncItems caps sync-collection report sizes.
	MaxSyncItems int `yaml:"max_sync_items"`

	// FreeTimePeriods treats FREE periods from stored data as a free-time
	// declaration and answers free-busy with their busy complement.
	FreeTimePeriods bool `yaml:"free_time_periods"`

	PrometheusEnabled bool     `yaml:"prometheus_enabled"`
	TrustedProxies    []string `yaml:"trusted_proxies"`

	// RateLimit is the per-client token bucket applied to the DAV tree.
	RateLimit struct {
		PerSecond int `yaml:"per_second"`
		Burst     int `yaml:"burst"`
	} `yaml:"rate_limit"`

	// Users are provisioned at startup on the memory backend. The env form is
	// CALSERVE_USERS="name:email:password,name2:email2:password2".
	Users []SeedUser `yaml:"users"`
}

type SeedUser struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CALSERVE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = getenvDefault("CALSERVE_LISTEN_ADDR", defaultString(cfg.ListenAddr, ":8080"))
	cfg.BaseURL = getenvDefault("CALSERVE_BASE_URL", defaultString(cfg.BaseURL, "http://localhost:8080"))
	cfg.Backend = strings.ToLower(getenvDefault("CALSERVE_BACKEND", defaultString(cfg.Backend, "memory")))
	cfg.PrincipalPrefix = getenvDefault("CALSERVE_PRINCIPAL_PREFIX", defaultString(cfg.PrincipalPrefix, "/principals"))
	cfg.Auth.Realm = getenvDefault("CALSERVE_AUTH_REALM", defaultString(cfg.Auth.Realm, "calserve"))
	cfg.MaxSyncItems = getenvInt("CALSERVE_MAX_SYNC_ITEMS", defaultInt(cfg.MaxSyncItems, 500))
	cfg.FreeTimePeriods = getenvBool("CALSERVE_FREE_TIME_PERIODS", cfg.FreeTimePeriods)
	cfg.PrometheusEnabled = getenvBool("CALSERVE_PROMETHEUS_ENDPOINT_ENABLED", cfg.PrometheusEnabled)
	cfg.RateLimit.PerSecond = getenvInt("CALSERVE_RATE_LIMIT_PER_SECOND", defaultInt(cfg.RateLimit.PerSecond, 20))
	cfg.RateLimit.Burst = getenvInt("CALSERVE_RATE_LIMIT_BURST", defaultInt(cfg.RateLimit.Burst, 50))
	if proxies := getenvList("CALSERVE_TRUSTED_PROXIES"); proxies != nil {
		cfg.TrustedProxies = proxies
	}
	for _, entry := range getenvList("CALSERVE_USERS") {
		parts := strings.SplitN(entry, ":", 3)
		user := SeedUser{Name: parts[0]}
		if len(parts) > 1 {
			user.Email = parts[1]
		}
		if len(parts) > 2 {
			user.Password = parts[2]
		}
		cfg.Users = append(cfg.Users, user)
	}

	if dsn := os.Getenv("CALSERVE_DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if cfg.DB.DSN == "" {
		host := os.Getenv("CALSERVE_DB_HOST")
		name := os.Getenv("CALSERVE_DB_NAME")
		user := os.Getenv("CALSERVE_DB_USER")
		password := os.Getenv("CALSERVE_DB_PASSWORD")
		port := getenvDefault("CALSERVE_DB_PORT", "5432")
		sslmode := getenvDefault("CALSERVE_DB_SSLMODE", "disable")
		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	switch cfg.Backend {
	case "memory":
	case "postgres":
		if cfg.DB.DSN == "" {
			return nil, errors.New("CALSERVE_DB_DSN is required for the postgres backend (or set CALSERVE_DB_HOST, CALSERVE_DB_NAME, CALSERVE_DB_USER, and CALSERVE_DB_PASSWORD)")
		}
	default:
		return nil, fmt.Errorf("unknown backend %q: want memory or postgres", cfg.Backend)
	}
	if !strings.HasPrefix(cfg.PrincipalPrefix, "/") {
		return nil, fmt.Errorf("principal prefix %q must start with /", cfg.PrincipalPrefix)
	}
	if cfg.MaxSyncItems < 1 {
		return nil, fmt.Errorf("max sync items must be positive (got %d)", cfg.MaxSyncItems)
	}
	if cfg.RateLimit.PerSecond < 1 || cfg.RateLimit.Burst < 1 {
		return nil, fmt.Errorf("rate limit must be positive (got %d/s, burst %d)", cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No CALSERVE_TRUSTED_PROXIES configured. Calserve will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func defaultString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
