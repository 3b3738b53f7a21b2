package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
broker:
  api_key: "key"
  secret_key: "secret"
database:
  path: "data/gateway.db"
redis:
  addr: "localhost:6379"
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	r := cfg.Reconciliation
	if r.PollIntervalSeconds != 300 {
		t.Errorf("poll_interval default wrong: %d", r.PollIntervalSeconds)
	}
	if r.MaxIndividualLookups != 100 {
		t.Errorf("max_individual_lookups default wrong: %d", r.MaxIndividualLookups)
	}
	if r.OverlapSeconds != 60 {
		t.Errorf("overlap default wrong: %d", r.OverlapSeconds)
	}
	if r.SubmittedUnconfirmedGraceSeconds != 300 {
		t.Errorf("grace default wrong: %d", r.SubmittedUnconfirmedGraceSeconds)
	}
	if r.FillsBackfillInitialLookbackHours != 24 {
		t.Errorf("initial_lookback default wrong: %d", r.FillsBackfillInitialLookbackHours)
	}
	if r.FillsBackfillPageSize != 100 || r.FillsBackfillMaxPages != 5 {
		t.Errorf("page defaults wrong: %d/%d", r.FillsBackfillPageSize, r.FillsBackfillMaxPages)
	}
	if r.FillsBackfillEnabled || r.DryRun {
		t.Error("Feature flags must default to off")
	}
	if cfg.System.LogLevel != "INFO" || cfg.System.AdminPort != 8080 {
		t.Errorf("system defaults wrong: %+v", cfg.System)
	}
	if cfg.Broker.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("base_url default wrong: %s", cfg.Broker.BaseURL)
	}

	if got := r.PollInterval(); got != 300*time.Second {
		t.Errorf("PollInterval() wrong: %v", got)
	}
	if got := r.InitialLookback(); got != 24*time.Hour {
		t.Errorf("InitialLookback() wrong: %v", got)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ALPACA_KEY", "live-key-123")
	content := strings.Replace(minimalConfig, `api_key: "key"`, `api_key: "${TEST_ALPACA_KEY}"`, 1)

	cfg, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.APIKey.Value() != "live-key-123" {
		t.Errorf("Env var not expanded: %q", cfg.Broker.APIKey.Value())
	}
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			name:    "missing api key",
			mutate:  func(s string) string { return strings.Replace(s, `api_key: "key"`, `api_key: ""`, 1) },
			wantMsg: "broker.api_key",
		},
		{
			name:    "missing database path",
			mutate:  func(s string) string { return strings.Replace(s, `path: "data/gateway.db"`, `path: ""`, 1) },
			wantMsg: "database.path",
		},
		{
			name:    "missing redis addr",
			mutate:  func(s string) string { return strings.Replace(s, `addr: "localhost:6379"`, `addr: ""`, 1) },
			wantMsg: "redis.addr",
		},
		{
			name: "poll interval out of range",
			mutate: func(s string) string {
				return s + "reconciliation:\n  poll_interval_seconds: 9999\n"
			},
			wantMsg: "reconciliation.poll_interval_seconds",
		},
		{
			name: "bad log level",
			mutate: func(s string) string {
				return s + "system:\n  log_level: \"VERBOSE\"\n"
			},
			wantMsg: "system.log_level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.mutate(minimalConfig)))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/gateway.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret")

	if got := fmt.Sprintf("%s", s); got != "[REDACTED]" {
		t.Errorf("%%s leaked: %q", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v leaked: %q", got)
	}
	if got := fmt.Sprintf("%#v", s); got != `"[REDACTED]"` {
		t.Errorf("%%#v leaked: %q", got)
	}
	if b, _ := s.MarshalJSON(); string(b) != `"[REDACTED]"` {
		t.Errorf("JSON leaked: %s", b)
	}
	if s.Value() != "super-secret" {
		t.Errorf("Value() wrong: %q", s.Value())
	}
	if Secret("").String() != "" {
		t.Error("Empty secret should print empty")
	}
}
