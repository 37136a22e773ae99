package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
run:
  workers: 4
  max_auth_tries: 3
  stop_on_valid: true
  attempt_jitter: "500ms-2s"
  threshold_jitter: "30s-1m"
log:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./attempts.db
target:
  kind: http_basic
  url: https://target.example/login
`

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "run.yaml", validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Run.Workers != 4 || cfg.Run.MaxAuthTries != 3 || !cfg.Run.StopOnValid {
		t.Fatalf("run config = %+v", cfg.Run)
	}
	if cfg.Target.Kind != "http_basic" {
		t.Fatalf("target kind = %q", cfg.Target.Kind)
	}
}

func TestLoadValidJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "run.json", `{
		"run": {"workers": 1, "max_auth_tries": 1},
		"log": {"console": true},
		"storage": {"path": "./a.db"},
		"target": {"kind": "ssh", "addr": "10.0.0.5:22"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Storage.Driver != "" || cfg.Storage.Path != "./a.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "run.yaml", validYAML+"\nbogus_section:\n  x: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "zero workers", mut: func(c *Config) { c.Run.Workers = 0 }, want: "run.workers"},
		{name: "zero tries", mut: func(c *Config) { c.Run.MaxAuthTries = 0 }, want: "run.max_auth_tries"},
		{name: "missing sqlite path", mut: func(c *Config) { c.Storage.Path = "" }, want: "storage.path"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.dsn"},
		{name: "unknown driver", mut: func(c *Config) { c.Storage.Driver = "mysql" }, want: "storage.driver"},
		{name: "missing target", mut: func(c *Config) { c.Target.Kind = "" }, want: "target.kind"},
		{name: "http without url", mut: func(c *Config) { c.Target.URL = "" }, want: "target.url"},
		{name: "bad jitter duration", mut: func(c *Config) { c.Run.DrainGrace = "soon" }, want: "run.drain_grace"},
		{name: "bad router category", mut: func(c *Config) { c.Router = map[string]string{"oops": "abort"} }, want: "router"},
		{name: "bad router action", mut: func(c *Config) { c.Router = map[string]string{"timeout": "panic"} }, want: "router.timeout"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mut(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Run.Workers = 0
	cfg.Run.MaxAuthTries = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "run.workers") || !strings.Contains(err.Error(), "run.max_auth_tries") {
		t.Fatalf("error %q should report both fields", err)
	}
}

func baseConfig() *Config {
	return &Config{
		Run:     RunConfig{Workers: 2, MaxAuthTries: 1},
		Storage: StorageConfig{Driver: "sqlite", Path: "./a.db"},
		Target:  TargetConfig{Kind: "http_basic", URL: "https://t.example/"},
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
