package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8001" {
			t.Errorf("HTTPAddr = %q, want :8001", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.UploadDir != "./uploads" {
			t.Errorf("UploadDir = %q, want ./uploads", cfg.UploadDir)
		}
		if cfg.Engine.Provider != "whisper" {
			t.Errorf("Engine.Provider = %q, want whisper", cfg.Engine.Provider)
		}
		if cfg.Engine.LoadAttempts != 3 {
			t.Errorf("Engine.LoadAttempts = %d, want 3", cfg.Engine.LoadAttempts)
		}
		if cfg.Engine.LoadBackoff != 5*time.Second {
			t.Errorf("Engine.LoadBackoff = %v, want 5s", cfg.Engine.LoadBackoff)
		}
		if cfg.Worker.PollInterval != 5*time.Second {
			t.Errorf("Worker.PollInterval = %v, want 5s", cfg.Worker.PollInterval)
		}
		if cfg.Worker.FailureCooldown != 3*time.Second {
			t.Errorf("Worker.FailureCooldown = %v, want 3s", cfg.Worker.FailureCooldown)
		}
		if cfg.Worker.JobPause != time.Second {
			t.Errorf("Worker.JobPause = %v, want 1s", cfg.Worker.JobPause)
		}
		if cfg.Worker.ErrorCooldown != 10*time.Second {
			t.Errorf("Worker.ErrorCooldown = %v, want 10s", cfg.Worker.ErrorCooldown)
		}
		if !cfg.Engine.DecodeAudio {
			t.Error("Engine.DecodeAudio = false, want true")
		}
		if cfg.S3.Enabled() {
			t.Error("S3 should be disabled without a bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "sqlite:///tmp/override.db",
			UploadDir:   "/tmp/uploads",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "sqlite:///tmp/override.db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.UploadDir != "/tmp/uploads" {
			t.Errorf("UploadDir = %q, want /tmp/uploads", cfg.UploadDir)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL":    "postgres://localhost/test",
		"ENGINE_PROVIDER": "vosk",
	})
	defer cleanup()

	if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
		t.Error("expected error for unknown ENGINE_PROVIDER")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "",
	})
	defer cleanup()
	os.Unsetenv("DATABASE_URL")

	_, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err == nil {
		t.Error("expected error when required env vars are missing")
	}

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env", DatabaseURL: "sqlite://./test.db"})
	if err != nil {
		t.Fatalf("flag override should satisfy DATABASE_URL: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://./test.db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestDefaultKeyIPs(t *testing.T) {
	cfg := &Config{DefaultKeyAllowedIPs: " 10.0.0.0/24, ,192.168.1.7 "}
	got := cfg.DefaultKeyIPs()
	if len(got) != 2 || got[0] != "10.0.0.0/24" || got[1] != "192.168.1.7" {
		t.Errorf("DefaultKeyIPs = %v", got)
	}
	if ips := (&Config{}).DefaultKeyIPs(); ips != nil {
		t.Errorf("empty DefaultKeyIPs = %v, want nil", ips)
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
