package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIAddr != "0.0.0.0:8080" {
		t.Errorf("Expected default API addr 0.0.0.0:8080, got %s", cfg.APIAddr)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("Expected default backend postgres, got %s", cfg.Storage.Backend)
	}
	if cfg.Archive.Enabled {
		t.Error("Expected archive disabled by default")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `api_addr: "127.0.0.1:9090"
storage:
  backend: sqlite
  sqlite_path: /tmp/test.db
archive:
  enabled: true
  addr: "clickhouse:9000"
  flush_interval: 10s
`
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIAddr != "127.0.0.1:9090" {
		t.Errorf("Expected api_addr 127.0.0.1:9090, got %s", cfg.APIAddr)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Expected backend sqlite, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.SQLitePath != "/tmp/test.db" {
		t.Errorf("Expected sqlite path /tmp/test.db, got %s", cfg.Storage.SQLitePath)
	}
	if !cfg.Archive.Enabled {
		t.Error("Expected archive enabled")
	}
	if cfg.Archive.FlushInterval != Duration(10*time.Second) {
		t.Errorf("Expected flush interval 10s, got %v", cfg.Archive.FlushInterval)
	}

	// Fields the file does not mention keep their defaults.
	if cfg.OTLPGRPCAddr != "0.0.0.0:4317" {
		t.Errorf("Expected default OTLP addr, got %s", cfg.OTLPGRPCAddr)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err != nil {
		t.Fatalf("Load of missing file should fall back to defaults, got: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", "0.0.0.0:7070")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "override.db")
	t.Setenv("ARCHIVE_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIAddr != "0.0.0.0:7070" {
		t.Errorf("Expected env api addr, got %s", cfg.APIAddr)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Expected env backend sqlite, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.SQLitePath != "override.db" {
		t.Errorf("Expected env sqlite path, got %s", cfg.Storage.SQLitePath)
	}
	if !cfg.Archive.Enabled {
		t.Error("Expected env archive enabled")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte("api_addr: [not a string"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}
