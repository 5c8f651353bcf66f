package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imagegen.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: sql
  dsn: sqlite:///tmp/queue.db
images:
  backend: local
  local_dir: /tmp/images
providers:
  - name: ark
    model: doubao-seedream-3-0-t2i-250415
    quality: 70
    cost_per_image: 0.02
    timeout: 30s
dispatcher:
  batch_size: 5
  interval: 10m
`)
	t.Setenv("ARK_API_KEY", "ark-secret")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected env port override, got %s", cfg.Server.Port)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected providers list replaced by file, got %d", len(cfg.Providers))
	}
	ark := cfg.Providers[0]
	if ark.APIKey != "ark-secret" || !ark.Enabled || ark.Timeout != 30*time.Second {
		t.Fatalf("unexpected ark config: %+v", ark)
	}
	if cfg.Dispatcher.BatchSize != 5 || cfg.Dispatcher.Interval != 10*time.Minute || cfg.Dispatcher.Workers != 1 {
		t.Fatalf("unexpected dispatcher config: %+v", cfg.Dispatcher)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "store:\n  backend: mongo\n",
		"sql without dsn": "store:\n  backend: sql\nimages:\n  backend: local\n",
		"bad provider":    "store:\n  backend: sql\n  dsn: sqlite://x.db\nimages:\n  backend: local\nproviders:\n  - name: dalle\n",
		"batch too large": "store:\n  backend: sql\n  dsn: sqlite://x.db\nimages:\n  backend: local\ndispatcher:\n  batch_size: 500\n",
		"grpc no address": "store:\n  backend: sql\n  dsn: sqlite://x.db\nimages:\n  backend: local\nproviders:\n  - name: grpc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSupabaseBackendNeedsCredentials(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_KEY", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing supabase credentials to fail")
	}

	t.Setenv("SUPABASE_URL", "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "supabase" || cfg.Supabase.Bucket != "generated-images" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
