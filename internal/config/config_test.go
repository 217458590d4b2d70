package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func TestDecode_Defaults(t *testing.T) {
	cfg, err := Decode(New())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if cfg.Cache.DefaultTTL != 30*time.Second {
		t.Errorf("cache.default_ttl = %v, want 30s", cfg.Cache.DefaultTTL)
	}
	if cfg.Batcher.MaxBatchSize != 50 || cfg.Batcher.RedriveBackoff != 2 {
		t.Errorf("batcher = %+v, want size 50 and backoff 2", cfg.Batcher)
	}
	if cfg.Outbox.MaxRetries != 3 || cfg.Outbox.DrainInterval != 30*time.Second {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	if cfg.DB.Path != ".tether/tether.db" {
		t.Errorf("db.path = %q", cfg.DB.Path)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	content := `
cache:
  default_ttl: 5s
batcher:
  max_batch_size: 10
server:
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TETHER_SERVER_PORT", "9100")
	t.Setenv("TETHER_OUTBOX_DRAIN_INTERVAL", "2m")

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	if cfg.Cache.DefaultTTL != 5*time.Second {
		t.Errorf("file value: cache.default_ttl = %v, want 5s", cfg.Cache.DefaultTTL)
	}
	if cfg.Batcher.MaxBatchSize != 10 {
		t.Errorf("file value: batcher.max_batch_size = %d, want 10", cfg.Batcher.MaxBatchSize)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env should beat file: server.port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Outbox.DrainInterval != 2*time.Minute {
		t.Errorf("env value: outbox.drain_interval = %v, want 2m", cfg.Outbox.DrainInterval)
	}
	if cfg.Batcher.MaxRedrives != 3 {
		t.Errorf("default value: batcher.max_redrives = %d, want 3", cfg.Batcher.MaxRedrives)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Load() of a missing explicit file should fail")
	}
}

func TestLoad_NoFileIsFine(t *testing.T) {
	wd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("Load(\"\") without any file failed: %v", err)
	}
}

func TestBindFlags(t *testing.T) {
	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 7070, "")
	flags.String("db", "", "")
	if err := BindFlags(v, flags, map[string]string{"server.port": "port", "db.path": "db"}); err != nil {
		t.Fatalf("BindFlags() failed: %v", err)
	}
	if err := flags.Parse([]string{"--port", "8123"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("server.port = %d, want flag value 8123", cfg.Server.Port)
	}
	if cfg.DB.Path != ".tether/tether.db" {
		t.Errorf("unset flag overrode db.path: %q", cfg.DB.Path)
	}

	if err := BindFlags(v, flags, map[string]string{"log.file": "missing"}); err == nil {
		t.Error("BindFlags() with an unknown flag should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty db path", func(c *Config) { c.DB.Path = "" }, "db.path"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero ttl", func(c *Config) { c.Cache.DefaultTTL = 0 }, "cache.default_ttl"},
		{"zero batch size", func(c *Config) { c.Batcher.MaxBatchSize = 0 }, "max_batch_size"},
		{"shrinking backoff", func(c *Config) { c.Batcher.RedriveBackoff = 0.5 }, "redrive_backoff"},
		{"no retries", func(c *Config) { c.Outbox.MaxRetries = 0 }, "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode(New())
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	v := New()
	v.Set("server.port", 8080)

	t.Run("toml", func(t *testing.T) {
		data, err := Render(v, "toml")
		if err != nil {
			t.Fatalf("Render() failed: %v", err)
		}
		var out map[string]map[string]any
		if _, err := toml.Decode(string(data), &out); err != nil {
			t.Fatalf("rendered toml does not parse: %v\n%s", err, data)
		}
		if out["cache"]["default_ttl"] != "30s" {
			t.Errorf("cache.default_ttl = %v, want \"30s\"", out["cache"]["default_ttl"])
		}
		if out["server"]["port"] != int64(8080) {
			t.Errorf("server.port = %v (%T), want 8080", out["server"]["port"], out["server"]["port"])
		}
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := Render(v, "yaml")
		if err != nil {
			t.Fatalf("Render() failed: %v", err)
		}
		var out map[string]map[string]any
		if err := yaml.Unmarshal(data, &out); err != nil {
			t.Fatalf("rendered yaml does not parse: %v\n%s", err, data)
		}
		if out["batcher"]["delay"] != "1s" {
			t.Errorf("batcher.delay = %v, want \"1s\"", out["batcher"]["delay"])
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := Render(v, "ini"); err == nil {
			t.Error("Render() with unknown format should fail")
		}
	})
}

func TestWriteFile_RoundTrip(t *testing.T) {
	src := New()
	src.Set("batcher.max_batch_size", 7)
	src.Set("outbox.drain_interval", "45s")

	for _, name := range []string{"tether.toml", "tether.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			if err := WriteFile(src, path); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			v, err := Load(path)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			cfg, err := Decode(v)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if cfg.Batcher.MaxBatchSize != 7 || cfg.Outbox.DrainInterval != 45*time.Second {
				t.Errorf("round trip lost values: batcher=%+v outbox=%+v", cfg.Batcher, cfg.Outbox)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"db.path", "server.url", "netwatch.dir", "log.max_size_mb"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Keys() missing %s", want)
		}
	}
}

func TestEnvVar(t *testing.T) {
	if got := EnvVar("cache.default_ttl"); got != "TETHER_CACHE_DEFAULT_TTL" {
		t.Errorf("EnvVar() = %q", got)
	}
}
