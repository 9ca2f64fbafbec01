package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate runs the test from an empty directory so stray .env files are not read.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("ENV_FILE", "")
	t.Setenv("PDFSNAP_CONFIG", "")
	t.Setenv("CI", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, StoreMemory)
	}
	if cfg.Capture.NavigationTimeout != 60*time.Second {
		t.Errorf("NavigationTimeout = %v, want 60s", cfg.Capture.NavigationTimeout)
	}
	if cfg.Capture.SettleDelay != 2*time.Second || cfg.Capture.ScrollSettleDelay != time.Second {
		t.Errorf("settle delays = %v/%v, want 2s/1s", cfg.Capture.SettleDelay, cfg.Capture.ScrollSettleDelay)
	}
	if cfg.Capture.ScrollStep != 100 || cfg.Capture.ScrollInterval != 100*time.Millisecond {
		t.Errorf("scroll = %d/%v, want 100/100ms", cfg.Capture.ScrollStep, cfg.Capture.ScrollInterval)
	}
	if cfg.Browser.NoSandbox {
		t.Error("NoSandbox = true, want false by default")
	}
}

func TestLoad_AllVarsSet(t *testing.T) {
	isolate(t)
	t.Setenv("PDFSNAP_LISTEN_ADDR", ":9090")
	t.Setenv("PDFSNAP_STORE", "sqlite")
	t.Setenv("PDFSNAP_DB_PATH", "/tmp/test.db")
	t.Setenv("PDFSNAP_OUTPUT_DIR", "/srv/pdf")
	t.Setenv("PDFSNAP_CONCURRENCY", "4")
	t.Setenv("PDFSNAP_QUEUE_SIZE", "500")
	t.Setenv("PDFSNAP_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PDFSNAP_NAV_TIMEOUT", "30s")
	t.Setenv("PDFSNAP_POLL_INTERVAL", "250ms")
	t.Setenv("PDFSNAP_NO_SANDBOX", "true")
	t.Setenv("PDFSNAP_BROWSER_BIN", "/usr/bin/chromium")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.StoreBackend != StoreSQLite || cfg.DBPath != "/tmp/test.db" {
		t.Errorf("store = %q/%q, want sqlite//tmp/test.db", cfg.StoreBackend, cfg.DBPath)
	}
	if cfg.DefaultOutputDir != "/srv/pdf" {
		t.Errorf("DefaultOutputDir = %q, want /srv/pdf", cfg.DefaultOutputDir)
	}
	if cfg.Concurrency != 4 || cfg.QueueSize != 500 {
		t.Errorf("Concurrency/QueueSize = %d/%d, want 4/500", cfg.Concurrency, cfg.QueueSize)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v, want two trimmed origins", cfg.CORSOrigins)
	}
	if cfg.Capture.NavigationTimeout != 30*time.Second {
		t.Errorf("NavigationTimeout = %v, want 30s", cfg.Capture.NavigationTimeout)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if !cfg.Browser.NoSandbox || cfg.Browser.Bin != "/usr/bin/chromium" {
		t.Errorf("Browser = %+v, want no-sandbox chromium", cfg.Browser)
	}
}

func TestLoad_InvalidInteger(t *testing.T) {
	isolate(t)
	t.Setenv("PDFSNAP_CONCURRENCY", "abc")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-integer PDFSNAP_CONCURRENCY, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	isolate(t)
	t.Setenv("PDFSNAP_NAV_TIMEOUT", "sixty")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid PDFSNAP_NAV_TIMEOUT, got nil")
	}
}

func TestLoad_InvalidStore(t *testing.T) {
	isolate(t)
	t.Setenv("PDFSNAP_STORE", "redis")

	_, err := Load("")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_ZeroConcurrency(t *testing.T) {
	isolate(t)
	t.Setenv("PDFSNAP_CONCURRENCY", "0")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for PDFSNAP_CONCURRENCY=0, got nil")
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "pdfsnap.yml")
	content := `listenAddr: ":7070"
outputDir: /data/pdf
capture:
  navigationTimeout: 45s
  scrollStep: 250
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PDFSNAP_LISTEN_ADDR", ":6060")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env override :6060", cfg.ListenAddr)
	}
	if cfg.DefaultOutputDir != "/data/pdf" {
		t.Errorf("DefaultOutputDir = %q, want /data/pdf", cfg.DefaultOutputDir)
	}
	if cfg.Capture.NavigationTimeout != 45*time.Second {
		t.Errorf("NavigationTimeout = %v, want 45s", cfg.Capture.NavigationTimeout)
	}
	if cfg.Capture.ScrollStep != 250 {
		t.Errorf("ScrollStep = %d, want 250", cfg.Capture.ScrollStep)
	}
	if cfg.Capture.SettleDelay != 2*time.Second {
		t.Errorf("SettleDelay = %v, want default 2s kept", cfg.Capture.SettleDelay)
	}
}

func TestLoad_YAMLUnknownField(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("nope: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrConfigParse) {
		t.Fatalf("err = %v, want ErrConfigParse", err)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	isolate(t)
	// godotenv never overrides variables that already exist, even empty ones.
	os.Unsetenv("PDFSNAP_QUEUE_SIZE")
	if err := os.WriteFile(".env", []byte("PDFSNAP_QUEUE_SIZE=42\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PDFSNAP_QUEUE_SIZE") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueSize != 42 {
		t.Errorf("QueueSize = %d, want 42 from .env", cfg.QueueSize)
	}
}
