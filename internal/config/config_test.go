package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Fetch.RequestsPerMinute != 4 || cfg.Fetch.MaxRetries != 6 {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxBackoff != 90*time.Second || cfg.Fetch.Timeout != 25*time.Second {
		t.Errorf("fetch durations = %+v", cfg.Fetch)
	}
	if cfg.Store.BatchSize != 500 || cfg.Sync.BulkBatchSize != 200 {
		t.Errorf("batch sizes = %d/%d", cfg.Store.BatchSize, cfg.Sync.BulkBatchSize)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokendb.yaml")
	content := `
store:
  path: out/tokens.db
fetch:
  requests_per_minute: 10
  base_backoff: 1s
sync:
  skip_images: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOKENDB_FETCH_MAX_RETRIES", "3")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Store.Path != "out/tokens.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Fetch.RequestsPerMinute != 10 || cfg.Fetch.BaseBackoff != time.Second {
		t.Errorf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3 from env", cfg.Fetch.MaxRetries)
	}
	if !cfg.Sync.SkipImages {
		t.Error("skip_images not read from file")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	v := New()
	v.Set("sync.bulk_batch_size", 300)
	t.Chdir(t.TempDir())
	_, err := Load(v, "")
	if err == nil || !strings.Contains(err.Error(), "bulk_batch_size") {
		t.Fatalf("Load() = %v, want bulk_batch_size error", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.toml")
	content := `
skip = ["test"]

[symbols]
eth = "ethereum"
UNI = " uniswap "
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides() failed: %v", err)
	}
	if o.Symbols["ETH"] != "ethereum" || o.Symbols["UNI"] != "uniswap" {
		t.Errorf("symbols = %v", o.Symbols)
	}
	if !o.SkipSet()["TEST"] {
		t.Errorf("skip = %v", o.Skip)
	}

	empty, err := LoadOverrides("")
	if err != nil || len(empty.Symbols) != 0 {
		t.Errorf("LoadOverrides(\"\") = (%+v, %v)", empty, err)
	}
}

func TestLoadOverrides_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.toml")
	os.WriteFile(path, []byte("[symbol]\nETH = \"ethereum\"\n"), 0644)
	if _, err := LoadOverrides(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}
