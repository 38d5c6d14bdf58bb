package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "c.yaml", "-address", ":9000", "-log-level", "debug", "-version"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "c.yaml" || opts.address != ":9000" || opts.logLevel != "debug" || !opts.showVersion {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("parseFlags() expected error for unknown flag")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}

	if _, err := newLogger(&buf, "loud"); err == nil {
		t.Error("newLogger() expected error for unknown level")
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(serverOptions{address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:0" {
		t.Errorf("Address = %q, want flag override", cfg.Server.Address)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":7070\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(serverOptions{configPath: path})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Errorf("Address = %q, want :7070", cfg.Server.Address)
	}

	if _, err := loadConfig(serverOptions{configPath: "/nonexistent.yaml"}); err == nil {
		t.Error("loadConfig() expected error for missing file")
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-version"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "version dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: etcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), []string{"-config", path}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "creating platform") {
		t.Errorf("run() error = %v, want platform error", err)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var logs bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-address", "127.0.0.1:0"}, &bytes.Buffer{}, &logs)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
	if !strings.Contains(logs.String(), "platform: started") {
		t.Errorf("logs = %q", logs.String())
	}
}
