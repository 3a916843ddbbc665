package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "REWARDPAGE"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabaseDriver          = "sqlite"
	defaultDatabaseDSN             = "rewardpage.db"
	defaultLogLevel                = "info"
	defaultLogMaxSizeMB            = 100
	defaultLogMaxBackups           = 5
	defaultLogMaxAgeDays           = 30
	defaultCookieName              = "rewardpage_session"
	defaultSessionIssuer           = "rewardpage-auth"
	defaultTimeZone                = "UTC"
	defaultStoreTimeout            = 3 * time.Second
	defaultRateLimitPerMinute      = 60
	defaultLeaderboardDefaultLimit = 10
	defaultLeaderboardMaxLimit     = 100
	defaultRetentionDays           = 7
)

var supportedDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
	"mysql":    {},
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string

	// TimeZone fixes the calendar-day boundary for every user. It is read once at startup.
	TimeZone     *time.Location
	StoreTimeout time.Duration

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	RateLimitPerMinute      int
	LeaderboardDefaultLimit int
	LeaderboardMaxLimit     int
	RetentionDays           int
	AllowedOrigins          []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("engine.time_zone", defaultTimeZone)
	configViper.SetDefault("engine.store_timeout", defaultStoreTimeout)
	configViper.SetDefault("engine.retention_days", defaultRetentionDays)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("rate_limit.per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("leaderboard.default_limit", defaultLeaderboardDefaultLimit)
	configViper.SetDefault("leaderboard.max_limit", defaultLeaderboardMaxLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	zoneName := strings.TrimSpace(configViper.GetString("engine.time_zone"))
	if zoneName == "" {
		zoneName = defaultTimeZone
	}
	location, err := time.LoadLocation(zoneName)
	if err != nil {
		return AppConfig{}, fmt.Errorf("engine.time_zone %q is not a valid IANA zone: %w", zoneName, err)
	}

	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		DatabaseDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:             configViper.GetString("database.dsn"),
		LogLevel:                configViper.GetString("log.level"),
		LogFile:                 strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:            configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:           configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:           configViper.GetInt("log.max_age_days"),
		SessionSigningKey:       configViper.GetString("session.signing_secret"),
		SessionCookieName:       configViper.GetString("session.cookie_name"),
		SessionIssuer:           configViper.GetString("session.issuer"),
		TimeZone:                location,
		StoreTimeout:            configViper.GetDuration("engine.store_timeout"),
		RedisAddress:            strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:           configViper.GetString("redis.password"),
		RedisDB:                 configViper.GetInt("redis.db"),
		RateLimitPerMinute:      configViper.GetInt("rate_limit.per_minute"),
		LeaderboardDefaultLimit: configViper.GetInt("leaderboard.default_limit"),
		LeaderboardMaxLimit:     configViper.GetInt("leaderboard.max_limit"),
		RetentionDays:           configViper.GetInt("engine.retention_days"),
		AllowedOrigins:          splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if _, ok := supportedDrivers[c.DatabaseDriver]; !ok {
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres, mysql)", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("engine.store_timeout must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("engine.retention_days must be at least 1")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must not be negative")
	}
	if c.LeaderboardMaxLimit < 1 {
		return fmt.Errorf("leaderboard.max_limit must be at least 1")
	}
	if c.LeaderboardDefaultLimit < 1 || c.LeaderboardDefaultLimit > c.LeaderboardMaxLimit {
		return fmt.Errorf("leaderboard.default_limit must be between 1 and leaderboard.max_limit")
	}
	return nil
}

// splitOrigins accepts both list values and a comma-separated env string.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
