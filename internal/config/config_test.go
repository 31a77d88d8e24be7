package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.PingPeriod != 54*time.Second || cfg.ReadLimit != 32768 {
		t.Errorf("relay defaults = %+v", cfg)
	}
	if cfg.ICECandidatePoolSize != 10 || cfg.PingInterval != 2*time.Second {
		t.Errorf("mesh defaults = %+v", cfg)
	}
	want := []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}
	if !reflect.DeepEqual(cfg.ICEServers, want) {
		t.Errorf("ice servers = %v", cfg.ICEServers)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Errorf("level = %v", cfg.Level())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "port: 9000\nlog_level: debug\noffer_rate_window: 30s\n"
	if err := os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESHVOICE_RELAY_URL", "ws://relay.example:9000")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if cfg.OfferRateWindow != 30*time.Second {
		t.Errorf("offer window = %v", cfg.OfferRateWindow)
	}
	if cfg.RelayURL != "ws://relay.example:9000" {
		t.Errorf("relay url = %q", cfg.RelayURL)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Errorf("level = %v", cfg.Level())
	}
}
