// Package config loads farmd settings from defaults, an optional YAML file
// and FARMD_* environment variables, in increasing order of precedence.
//
//	port: 8080                     FARMD_PORT
//	remote_db: data/remote.db      FARMD_REMOTE_DB
//	device_db: data/device.db      FARMD_DEVICE_DB
//	grid_size: 8                   FARMD_GRID_SIZE
//	log.level: info                FARMD_LOG_LEVEL
//	log.format: text               FARMD_LOG_FORMAT
//	auth.jwt_secret: ""            FARMD_AUTH_JWT_SECRET
//	auth.token_ttl: 720h           FARMD_AUTH_TOKEN_TTL
//	github.client_id: ""           FARMD_GITHUB_CLIENT_ID
//	github.client_secret: ""       FARMD_GITHUB_CLIENT_SECRET
//	github.callback_url: ""        FARMD_GITHUB_CALLBACK_URL
//	ws.origins: []                 FARMD_WS_ORIGINS (space separated)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FARMD"

// Config is the resolved daemon configuration.
type Config struct {
	Port         int
	RemoteDBPath string
	DeviceDBPath string
	GridSize     int
	LogLevel     slog.Level
	LogFormat    string
	JWTSecret    string
	TokenTTL     time.Duration
	GitHub       GitHubConfig
	WSOrigins    []string
}

// GitHubConfig enables GitHub sign-in when ClientID is set.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether GitHub sign-in is configured.
func (g GitHubConfig) Enabled() bool { return g.ClientID != "" && g.ClientSecret != "" }

// New returns a viper instance with every key defaulted and the FARMD_
// environment bound. Flags may be bound onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("port", 8080)
	v.SetDefault("remote_db", "data/remote.db")
	v.SetDefault("device_db", "data/device.db")
	v.SetDefault("grid_size", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "720h")
	v.SetDefault("github.client_id", "")
	v.SetDefault("github.client_secret", "")
	v.SetDefault("github.callback_url", "")
	v.SetDefault("ws.origins", []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile into v, if given, and resolves the result.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Port:         v.GetInt("port"),
		RemoteDBPath: v.GetString("remote_db"),
		DeviceDBPath: v.GetString("device_db"),
		GridSize:     v.GetInt("grid_size"),
		LogFormat:    v.GetString("log.format"),
		JWTSecret:    v.GetString("auth.jwt_secret"),
		TokenTTL:     v.GetDuration("auth.token_ttl"),
		GitHub: GitHubConfig{
			ClientID:     v.GetString("github.client_id"),
			ClientSecret: v.GetString("github.client_secret"),
			CallbackURL:  v.GetString("github.callback_url"),
		},
		WSOrigins: v.GetStringSlice("ws.origins"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, fmt.Errorf("config: log.level: %w", err)
	}
	if cfg.GitHub.CallbackURL == "" {
		cfg.GitHub.CallbackURL = fmt.Sprintf("http://localhost:%d/auth/github/callback", cfg.Port)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RemoteDBPath == "" || c.DeviceDBPath == "" {
		errs = append(errs, errors.New("remote_db and device_db are required"))
	}
	if c.GridSize < 1 || c.GridSize > 26 {
		errs = append(errs, fmt.Errorf("grid_size %d must be between 1 and 26", c.GridSize))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.LogFormat))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl %s must be positive", c.TokenTTL))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
