package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("first-run load failed: %v", err)
	}
	if cfg.RefreshTokenEnv != "CALMIRROR_REFRESH_TOKEN" {
		t.Fatalf("unexpected refresh token env %q", cfg.RefreshTokenEnv)
	}
	if cfg.Schedule != "*/5 * * * *" {
		t.Fatalf("unexpected schedule %q", cfg.Schedule)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected the config file written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	in := DefaultConfig()
	in.Account = "someone@example.com"
	in.CalendarID = "cal-1"
	in.SourceDir = "/srv/ics"
	in.RetentionDays = 30
	in.StrictRecurringTime = true
	if err := Save(path, in); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Account != in.Account || out.CalendarID != in.CalendarID {
		t.Fatalf("identity fields did not survive: %+v", out)
	}
	if out.SourceDir != in.SourceDir || out.RetentionDays != 30 || !out.StrictRecurringTime {
		t.Fatalf("sync fields did not survive: %+v", out)
	}
}

func TestNormalizeFillsGaps(t *testing.T) {
	cfg := &Config{RetentionDays: -5}
	cfg.Normalize()

	if cfg.MapDSN != "file" || cfg.Listen != "127.0.0.1:8430" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.StateDir == "" {
		t.Fatalf("expected a state dir default")
	}
	if cfg.RetentionDays != 0 {
		t.Fatalf("negative retention should clamp to 0, got %d", cfg.RetentionDays)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("account: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for malformed yaml")
	}
}

func TestAPITokenEnvIndirection(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.APIToken() != "" {
		t.Fatalf("expected auth disabled without an env name")
	}

	cfg.APITokenEnv = "CALMIRROR_TEST_API_TOKEN"
	t.Setenv("CALMIRROR_TEST_API_TOKEN", "secret")
	if cfg.APIToken() != "secret" {
		t.Fatalf("expected the token resolved from the environment")
	}
}
