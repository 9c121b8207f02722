package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openswap.json")
	content := `{
  "swap": {"custody_address": "0x00000000000000000000000000000000000000aa"},
  "web3": {"chain_config": "chains.yaml"},
  "assets": {"path": "assets.yaml"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
	if cfg.Storage.SessionStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers: %s/%s", cfg.Storage.SessionStore.Driver, cfg.Queue.Driver)
	}
	if cfg.Execution.ConfirmTimeout() != 180*time.Second {
		t.Fatalf("unexpected confirm timeout: %s", cfg.Execution.ConfirmTimeout())
	}
	if cfg.Execution.RetryAttempts != 5 || cfg.Execution.RetryBackoff() != 500*time.Millisecond {
		t.Fatalf("unexpected retry policy: %d/%s", cfg.Execution.RetryAttempts, cfg.Execution.RetryBackoff())
	}
	if !cfg.Execution.Recover() || !cfg.Metrics.On() {
		t.Fatalf("recovery and metrics should default to enabled")
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config not resolved relative to config dir: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Assets.Path != filepath.Join(dir, "assets.yaml") {
		t.Fatalf("assets path not resolved: %s", cfg.Assets.Path)
	}
	if cfg.Intake.Provider != "pattern" {
		t.Fatalf("unexpected intake provider: %s", cfg.Intake.Provider)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openswap.json")
	if err := os.WriteFile(path, []byte(`{"queue": {"driver": "kafka"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown queue driver to fail")
	}
}

func TestTokenResolveFromEnv(t *testing.T) {
	t.Setenv("OPENSWAP_TEST_TOKEN", " secret ")
	tok := TokenConfig{Name: "ops", TokenEnv: "OPENSWAP_TEST_TOKEN"}
	if tok.Resolve() != "secret" {
		t.Fatalf("unexpected token: %q", tok.Resolve())
	}
}
