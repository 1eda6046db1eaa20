package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wacast/internal/pacing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "wacast.yaml", `
log:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /tmp/wacast-test.db
  busy_timeout: 2s
channel:
  driver: bridge
  bridge:
    base_url: http://127.0.0.1:9000
    rate_per_sec: 3
server:
  addr: 127.0.0.1:8820
cache:
  ttl: 12h
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %s", cfg.Log.Level)
	}
	sc, err := cfg.StorageConfig()
	if err != nil {
		t.Fatalf("StorageConfig: %v", err)
	}
	if sc.BusyTimeout != 2*time.Second {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}
	cc, err := cfg.CacheConfig()
	if err != nil {
		t.Fatalf("CacheConfig: %v", err)
	}
	if cc.TTL != 12*time.Hour {
		t.Fatalf("cache ttl = %v", cc.TTL)
	}
	// Untouched sections keep their defaults.
	if cc.SweepSchedule != "@every 1h" {
		t.Fatalf("sweep schedule = %q", cc.SweepSchedule)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "wacast.yaml", `
server:
  addr: 127.0.0.1:8820
channel:
  bridge:
    base_url: http://127.0.0.1:9000
totally_unknown: 1
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateRequiresChannelTarget(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "wacast.yaml", `
server:
  addr: 127.0.0.1:8820
channel:
  driver: telegram
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("telegram driver without token accepted")
	}
}

func TestPacingPolicyDefaultAndOverride(t *testing.T) {
	t.Parallel()

	def := Default()
	p, err := def.PacingPolicy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if got := p.SelectMode(3); got != pacing.ModeQuick {
		t.Fatalf("default SelectMode(3) = %s", got)
	}

	over := Default()
	over.Pacing = PacingConfig{
		Tiers: []PacingTier{
			{Mode: "instant", MaxRecipients: 1},
			{Mode: "batch", MinDelay: "1s", MaxDelay: "2s"},
		},
		BatchSize:  10,
		BatchPause: "5s",
	}
	p, err = over.PacingPolicy()
	if err != nil {
		t.Fatalf("override policy: %v", err)
	}
	if got := p.SelectMode(2); got != pacing.ModeBatch {
		t.Fatalf("override SelectMode(2) = %s", got)
	}
	bp := p.BatchPause(pacing.ModeBatch, 10, 40)
	if !bp.Triggered || bp.Duration != 5*time.Second || bp.TotalBatches != 4 {
		t.Fatalf("override batch pause: %+v", bp)
	}
}

func TestPacingPolicyRejectsInvertedRange(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Pacing.Tiers = []PacingTier{{Mode: "quick", MaxRecipients: 4, MinDelay: "5s", MaxDelay: "2s"}}
	if _, err := cfg.PacingPolicy(); err == nil {
		t.Fatal("inverted delay range accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"blank is unset", "", 0, false},
		{"whitespace is unset", "  ", 0, false},
		{"plain seconds", "2s", 2 * time.Second, false},
		{"millis", "500ms", 500 * time.Millisecond, false},
		{"bare number rejected", "5", 0, true},
		{"negative rejected", "-1s", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDurationField("cache.ttl", tc.value)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): no error", tc.value)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tc.value, got, err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("storage.busy_timeout", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("unset field = %v, %v; want fallback", d, err)
	}
	if d, err := ParseDurationOrDefault("storage.busy_timeout", "250ms", 5*time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("set field = %v, %v; want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("storage.busy_timeout", "nonsense", 5*time.Second); err == nil {
		t.Fatal("invalid value accepted")
	}
}
