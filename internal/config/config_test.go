package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Missing(t *testing.T) {
	d, err := os.MkdirTemp("", "retouch-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(d)

	res := Load(d)
	if res.Found {
		t.Fatalf("expected not found")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	def := Default()
	if res.Config.Poller.IntervalMS != def.Poller.IntervalMS {
		t.Fatalf("unexpected default poll interval: %d", res.Config.Poller.IntervalMS)
	}
	if res.Config.Storage.Backend != "snapshot" {
		t.Fatalf("unexpected default backend: %q", res.Config.Storage.Backend)
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	d, err := os.MkdirTemp("", "retouch-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(d)
	rr := filepath.Join(d, ".retouch")
	if err := os.Mkdir(rr, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `
[poller]
interval_ms = 1000
concurrency = 8
max_task_age_ms = 600000

[storage]
backend = "sqlite"
`
	if err := os.WriteFile(filepath.Join(rr, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError != nil {
		t.Fatalf("unexpected parse error: %v", res.ParseError)
	}
	if res.Config.Poller.IntervalMS != 1000 {
		t.Fatalf("interval not applied: %d", res.Config.Poller.IntervalMS)
	}
	if res.Config.Poller.Concurrency != 8 {
		t.Fatalf("concurrency not applied: %d", res.Config.Poller.Concurrency)
	}
	if res.Config.Poller.MaxTaskAgeMS != 600000 {
		t.Fatalf("max age not applied: %d", res.Config.Poller.MaxTaskAgeMS)
	}
	if res.Config.Storage.Backend != "sqlite" {
		t.Fatalf("backend not applied: %q", res.Config.Storage.Backend)
	}
	// untouched sections keep defaults
	if res.Config.Flux.SubmitTimeoutMS != 30000 {
		t.Fatalf("flux defaults lost: %d", res.Config.Flux.SubmitTimeoutMS)
	}
}

func TestLoad_ParseError(t *testing.T) {
	d, err := os.MkdirTemp("", "retouch-config-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(d)
	rr := filepath.Join(d, ".retouch")
	if err := os.Mkdir(rr, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rr, "config.toml"), []byte("not = [valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := Load(d)
	if !res.Found {
		t.Fatalf("expected found true")
	}
	if res.ParseError == nil {
		t.Fatalf("expected parse error")
	}
	if !errors.Is(res.ParseError, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", res.ParseError)
	}
}
