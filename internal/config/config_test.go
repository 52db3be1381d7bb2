package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8787" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: ":9000"
pipeline:
  default_template: explainer-pro
retry:
  initial_delay: 2s
webhooks:
  - url: https://example.com/hook
    events: [pipeline.completed]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Errorf("base path default lost: %s", cfg.Server.BasePath)
	}
	if cfg.Retry.InitialDelay != Duration(2*time.Second) {
		t.Errorf("initial delay = %v", cfg.Retry.InitialDelay)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	if _, err := FromYAML([]byte("pipeline:\n  default_duration: 5\n")); err == nil {
		t.Error("expected duration range error")
	}
	if _, err := FromYAML([]byte("webhooks:\n  - events: [a]\n")); err == nil {
		t.Error("expected webhook url error")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reelforge.yml"), []byte("server:\n  addr: \":1234\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":1234" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}
