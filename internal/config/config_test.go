package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.MaxSegmentRunes != 200 {
		t.Fatalf("expected segment limit 200, got %d", cfg.TTS.MaxSegmentRunes)
	}
	if cfg.IAM.ExpiryBufferMS != 300000 {
		t.Fatalf("expected five minute expiry buffer, got %d", cfg.IAM.ExpiryBufferMS)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.WindowMS != 900000 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Production() {
		t.Fatal("expected development environment by default")
	}
	if cfg.RateLimit.TrustForwarded {
		t.Fatal("expected forwarded header to be untrusted by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOILSONG_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SOILSONG_BUS_USERNAME", "alice")
	t.Setenv("SOILSONG_BUS_PASSWORD", "secret")
	t.Setenv("SOILSONG_BUS_TLS_INSECURE", "true")
	t.Setenv("SOILSONG_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SOILSONG_ENVIRONMENT", "production")
	t.Setenv("SOILSONG_IAM_API_KEY", "key-123")
	t.Setenv("SOILSONG_LLM_PROJECT_ID", "proj-1")
	t.Setenv("SOILSONG_LLM_MODERATION_THRESHOLD", "0.75")
	t.Setenv("SOILSONG_TTS_MODE", "mock")
	t.Setenv("SOILSONG_TTS_WORKERS", "8")
	t.Setenv("SOILSONG_HTTP_MAX_BODY_BYTES", "1024")
	t.Setenv("SOILSONG_RATE_LIMIT_TRUST_FORWARDED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if !cfg.Production() {
		t.Fatal("expected production override")
	}
	if cfg.IAM.APIKey != "key-123" || cfg.LLM.ProjectID != "proj-1" {
		t.Fatalf("expected credential overrides, got %+v %+v", cfg.IAM, cfg.LLM)
	}
	if cfg.LLM.ModerationThreshold != 0.75 {
		t.Fatalf("expected moderation threshold 0.75, got %v", cfg.LLM.ModerationThreshold)
	}
	if cfg.TTS.Mode != "mock" || cfg.TTS.Workers != 8 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
	if cfg.HTTP.MaxBodyBytes != 1024 {
		t.Fatalf("expected body limit override, got %d", cfg.HTTP.MaxBodyBytes)
	}
	if !cfg.RateLimit.TrustForwarded {
		t.Fatal("expected forwarded header trust override")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soilsong.yaml")
	data := []byte("service_name: soil-song-test\nllm:\n  mode: mock\ntts:\n  mode: mock\n  workers: 2\nstorage:\n  audio_dir: " + dir + "/audio\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "soil-song-test" {
		t.Fatalf("expected service name from file, got %q", cfg.ServiceName)
	}
	if cfg.LLM.Mode != "mock" || cfg.TTS.Workers != 2 {
		t.Fatalf("expected file values, got %+v %+v", cfg.LLM, cfg.TTS)
	}
	if cfg.Storage.UploadDir != "./uploads" {
		t.Fatalf("expected default upload dir to survive, got %q", cfg.Storage.UploadDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"llm mode":        func(c *Config) { c.LLM.Mode = "ollama" },
		"tts mode":        func(c *Config) { c.TTS.Mode = "piper" },
		"exec command":    func(c *Config) { c.TTS.Mode = "exec"; c.TTS.Command = "" },
		"segment limit":   func(c *Config) { c.TTS.MaxSegmentRunes = 0 },
		"storage backend": func(c *Config) { c.Storage.Backend = "gcs" },
		"s3 bucket":       func(c *Config) { c.Storage.Backend = "s3" },
		"s3 base url": func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.Region = "us-east-1"
		},
		"event store":  func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"event path":   func(c *Config) { c.EventStore.Path = "" },
		"rate limit":   func(c *Config) { c.RateLimit.Requests = 0 },
		"story budget": func(c *Config) { c.Story.RequestTimeoutMS = 0 },
		"sentry rate":  func(c *Config) { c.Sentry.TracesSampleRate = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
