package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.MaxFutureSkew != 5*time.Minute {
		t.Fatalf("expected 5m skew default, got %v", cfg.Ingest.MaxFutureSkew)
	}
	if cfg.Ingest.RetentionWindow != time.Hour {
		t.Fatalf("expected 1h retention default, got %v", cfg.Ingest.RetentionWindow)
	}
	if cfg.Correlation.ClusterGap != 30*time.Second {
		t.Fatalf("expected 30s cluster gap default, got %v", cfg.Correlation.ClusterGap)
	}
	if cfg.Lifecycle.ReopenCoolDown != 30*time.Minute {
		t.Fatalf("expected 30m cool-down default, got %v", cfg.Lifecycle.ReopenCoolDown)
	}
	if cfg.Clients.Observe.Timeout != 5*time.Second {
		t.Fatalf("expected 5s upstream timeout default, got %v", cfg.Clients.Observe.Timeout)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  address: ":9191"
impact:
  severityWeights:
    payment-service: 12.5
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("INCIDENT_ENGINE_RETENTION_WINDOW", "2h")
	t.Setenv("INCIDENT_ENGINE_CLUSTER_GAP", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9191" {
		t.Fatalf("yaml override ignored, address %s", cfg.Server.Address)
	}
	if cfg.Correlation.ClusterGap != 45*time.Second {
		t.Fatalf("env override ignored, cluster gap %v", cfg.Correlation.ClusterGap)
	}
	if cfg.Ingest.RetentionWindow != 2*time.Hour {
		t.Fatalf("env override ignored, retention %v", cfg.Ingest.RetentionWindow)
	}
	if w := cfg.Impact.SeverityWeights["payment-service"]; w != 12.5 {
		t.Fatalf("expected severity weight 12.5, got %v", w)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
