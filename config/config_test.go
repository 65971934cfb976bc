package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coapcore/coapd/config"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 5683 {
		t.Fatalf("expected default bind port 5683, got %d", cfg.BindPort)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.yaml")
	if err := os.WriteFile(path, []byte("bind_port: 6000\nmax_retransmit: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 6000 || cfg.MaxRetransmit != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.yaml")
	if err := os.WriteFile(path, []byte("bind_port: 6000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("COAPD_BIND_PORT", "7000")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 7000 {
		t.Fatalf("expected env override to win, got %d", cfg.BindPort)
	}
}

func TestWatcherReloadsHotSwappableSubsetOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.yaml")
	if err := os.WriteFile(path, []byte("max_retransmit: 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, cfg, err := config.NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if cfg.MaxRetransmit != 4 {
		t.Fatalf("unexpected initial config: %+v", cfg)
	}

	stop := make(chan struct{})
	reloaded := make(chan config.HotSwappable, 1)
	go w.Run(stop, func(hs config.HotSwappable) { reloaded <- hs }, nil)
	defer close(stop)

	if err := os.WriteFile(path, []byte("max_retransmit: 9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case hs := <-reloaded:
		if hs.MaxRetransmit != 9 {
			t.Fatalf("expected reloaded max_retransmit=9, got %d", hs.MaxRetransmit)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reload notification")
	}
}
