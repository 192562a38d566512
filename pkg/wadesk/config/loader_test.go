package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Run("empty input keeps defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if cfg.Server.Address != ":3000" {
			t.Errorf("expected default address ':3000', got %q", cfg.Server.Address)
		}
		if cfg.Relay.ContextWindow != 5 {
			t.Errorf("expected default context window 5, got %d", cfg.Relay.ContextWindow)
		}
		if cfg.Relay.RequestTimeout != 30*time.Second {
			t.Errorf("expected default timeout 30s, got %v", cfg.Relay.RequestTimeout)
		}
	})

	t.Run("overlays YAML values", func(t *testing.T) {
		cfg, err := Parse([]byte("server:\n  address: \":9000\"\nrelay:\n  disable_reply_delay: true\n"))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("expected address ':9000', got %q", cfg.Server.Address)
		}
		if !cfg.Relay.DisableReplyDelay {
			t.Error("expected reply delay disabled")
		}
		// Untouched sections keep defaults.
		if cfg.DataDir != "./data" {
			t.Errorf("expected default data dir, got %q", cfg.DataDir)
		}
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		if _, err := Parse([]byte("server: [")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WADESK_TEST_TOKEN", "sekrit")

	out := expandEnvVars("auth_token: ${WADESK_TEST_TOKEN}")
	if out != "auth_token: sekrit" {
		t.Errorf("expected expansion, got %q", out)
	}

	// Unset variables keep the placeholder.
	out = expandEnvVars("auth_token: ${WADESK_UNSET_VAR}")
	if out != "auth_token: ${WADESK_UNSET_VAR}" {
		t.Errorf("expected placeholder preserved, got %q", out)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.Address = ":8181"
	cfg.Relay.ContextWindow = 7
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Address != ":8181" {
		t.Errorf("expected address ':8181', got %q", loaded.Server.Address)
	}
	if loaded.Relay.ContextWindow != 7 {
		t.Errorf("expected context window 7, got %d", loaded.Relay.ContextWindow)
	}
}

func TestDefaultSettings(t *testing.T) {
	st := DefaultSettings()
	if st.BaseURL != DefaultBaseURL {
		t.Errorf("unexpected base URL %q", st.BaseURL)
	}
	if st.ModelName != DefaultModelName {
		t.Errorf("unexpected model %q", st.ModelName)
	}
	if st.SystemPrompt == "" {
		t.Error("expected a default system prompt")
	}
	if st.APIKey != "" {
		t.Error("expected no default API key")
	}
}
