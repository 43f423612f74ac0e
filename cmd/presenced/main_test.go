package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ble_presence/internal/bluetooth"
)

type idleScanner struct{}

func (idleScanner) Discover(context.Context, time.Duration) ([]bluetooth.Advertisement, error) {
	return nil, nil
}

func useIdleScanner(t *testing.T) {
	t.Helper()
	prev := newScanner
	newScanner = func(zerolog.Logger) bluetooth.Scanner { return idleScanner{} }
	t.Cleanup(func() { newScanner = prev })
}

func testConfig(t *testing.T) config {
	t.Helper()
	return config{sightingsPath: filepath.Join(t.TempDir(), "device_log.db")}
}

func runWithTimeout(t *testing.T, ctx context.Context, cfg config) int {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	select {
	case code := <-done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
		return -1
	}
}

func TestRun_InvalidRegistryFileFails(t *testing.T) {
	useIdleScanner(t)
	cfg := testConfig(t)
	cfg.registryFile = filepath.Join(t.TempDir(), "missing.yaml")

	if code := runWithTimeout(t, context.Background(), cfg); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRun_InvalidStorePathFails(t *testing.T) {
	useIdleScanner(t)
	cfg := testConfig(t)
	cfg.sightingsPath = "log.db?mode=ro"

	if code := runWithTimeout(t, context.Background(), cfg); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRun_ComponentFailureReturnsExitCode(t *testing.T) {
	useIdleScanner(t)
	cfg := testConfig(t)
	cfg.addr = "no-port"

	if code := runWithTimeout(t, context.Background(), cfg); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRun_CleanShutdown(t *testing.T) {
	useIdleScanner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if code := runWithTimeout(t, ctx, testConfig(t)); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("PRESENCED_TEST_VALUE", "")
	if got := envOr("PRESENCED_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("PRESENCED_TEST_VALUE", "set")
	if got := envOr("PRESENCED_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected set, got %q", got)
	}
}
