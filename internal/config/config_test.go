package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabaseDSN != "rewardpage.db" {
		t.Fatalf("unexpected database defaults: %s %s", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.TimeZone != time.UTC {
		t.Fatalf("expected UTC default zone, got %s", cfg.TimeZone)
	}
	if cfg.StoreTimeout != 3*time.Second {
		t.Fatalf("unexpected store timeout %s", cfg.StoreTimeout)
	}
	if cfg.LeaderboardDefaultLimit != 10 || cfg.LeaderboardMaxLimit != 100 {
		t.Fatalf("unexpected leaderboard limits %d/%d", cfg.LeaderboardDefaultLimit, cfg.LeaderboardMaxLimit)
	}
	if cfg.SessionCookieName != "rewardpage_session" || cfg.RateLimitPerMinute != 60 || cfg.RetentionDays != 7 {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REWARDPAGE_SESSION_SIGNING_SECRET", "from-env")
	t.Setenv("REWARDPAGE_ENGINE_TIME_ZONE", "Asia/Almaty")
	t.Setenv("REWARDPAGE_DATABASE_DRIVER", "Postgres")
	t.Setenv("REWARDPAGE_DATABASE_DSN", "postgres://localhost/rewardpage")
	t.Setenv("REWARDPAGE_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(NewViper())
	if err != nil {
		if strings.Contains(err.Error(), "IANA") {
			t.Skipf("zoneinfo unavailable: %v", err)
		}
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SessionSigningKey != "from-env" || cfg.DatabaseDriver != "postgres" {
		t.Fatalf("unexpected env values %#v", cfg)
	}
	if cfg.TimeZone.String() != "Asia/Almaty" {
		t.Fatalf("unexpected zone %s", cfg.TimeZone)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := map[string]map[string]any{
		"missing secret":      {},
		"invalid zone":        {"session.signing_secret": "s", "engine.time_zone": "Mars/Olympus"},
		"unsupported driver":  {"session.signing_secret": "s", "database.driver": "oracle"},
		"zero store timeout":  {"session.signing_secret": "s", "engine.store_timeout": "0s"},
		"default above max":   {"session.signing_secret": "s", "leaderboard.default_limit": 200},
		"negative rate limit": {"session.signing_secret": "s", "rate_limit.per_minute": -1},
	}
	for name, values := range testCases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
