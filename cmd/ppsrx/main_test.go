package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjboer/ppsrx/internal/app"
	"github.com/rjboer/ppsrx/internal/logging"
	"github.com/rjboer/ppsrx/internal/sdr"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]string{}, noEnv, app.DefaultConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.Rate != 1e6 || cfg.Lead != 1500*time.Millisecond || cfg.NumSamples != 10000 || cfg.Channels != "0" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg != app.DefaultConfig() {
		t.Fatalf("parsing no arguments changed the configuration")
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PPSRX_RATE":          "2000000",
		"PPSRX_SECS":          "5",
		"PPSRX_BACKEND":       "remote",
		"PPSRX_NSAMPS":        "2048",
		"PPSRX_HOLDOVER":      "30s",
		"PPSRX_QUIET":         "true",
		"PPSRX_SSH_PASSWORD":  "secret",
		"PPSRX_LOCK_INTERVAL": "not-a-duration",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := parseConfig([]string{"--channels", `"0","1"`, "-wire", "sc8"}, lookup, app.DefaultConfig())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.Rate != 2e6 || cfg.Lead != 5*time.Second || cfg.Backend != "remote" || cfg.NumSamples != 2048 {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.Holdover != 30*time.Second || !cfg.Quiet || cfg.SSH.Password != "secret" {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.Channels != `"0","1"` || cfg.WireFormat != "sc8" {
		t.Fatalf("flags not applied: %#v", cfg)
	}
	if cfg.LockInterval != app.DefaultConfig().LockInterval {
		t.Fatalf("malformed env value should keep the default, got %s", cfg.LockInterval)
	}
}

func TestParseConfigRejectsPositionalArgs(t *testing.T) {
	if _, err := parseConfig([]string{"extra"}, noEnv, app.DefaultConfig()); err == nil {
		t.Fatalf("expected error for positional arguments")
	}
}

func TestOpenDeviceMock(t *testing.T) {
	dev, closeDevice, err := openDevice(context.Background(), app.DefaultConfig(), logging.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeDevice()
	if _, ok := dev.(*sdr.MockSDR); !ok {
		t.Fatalf("expected mock device, got %T", dev)
	}
}

func TestOpenDeviceUnknownBackend(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.Backend = "unknown"
	_, _, err := openDevice(context.Background(), cfg, logging.Default())
	if !sdr.IsConfigError(err) || exitCode(err) != exitUsage {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	lookup := func(key string) (string, bool) {
		if key == "PPSRX_CONFIG" {
			return filepath.Join(dir, "ppsrx.yaml"), true
		}
		return "", false
	}
	var stderr bytes.Buffer
	if code := run([]string{"-secs", "0"}, lookup, &stderr); code != exitUsage {
		t.Fatalf("non-positive lead: exit %d, stderr %q", code, stderr.String())
	}
	if code := run([]string{"-channels", "x"}, lookup, &stderr); code != exitUsage {
		t.Fatalf("bad channel list: exit %d", code)
	}
	if code := run([]string{"-no-such-flag"}, lookup, &stderr); code != exitUsage {
		t.Fatalf("unknown flag: exit %d", code)
	}
}

func TestNewLoggerQuietRaisesLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := app.DefaultConfig()
	cfg.Quiet = true
	l := newLogger(cfg, &buf)
	l.Info("hidden")
	l.Warn("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("quiet logger output %q", buf.String())
	}
}
