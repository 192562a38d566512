// loader.go reads and writes the YAML app config, with .env support, ${VAR}
// expansion and API key resolution through the OS keyring and environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wadesk"

	// keyringAPIKey is the key name for the AI provider key.
	keyringAPIKey = "api_key"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses the YAML app config, loading .env files
// first and expanding environment variable references.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse([]byte(expandEnvVars(string(data))))
}

// Parse parses YAML bytes, overlaying them on the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the config as YAML with owner-only permissions.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches standard locations for the app config.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"wadesk.yaml",
		"wadesk.yml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ResolveAPIKey fills in the API key on a Settings value using the priority
// chain keyring → WADESK_API_KEY → OPENAI_API_KEY → existing value.
func ResolveAPIKey(st *Settings, logger *slog.Logger) {
	if key := GetKeyring(keyringAPIKey); key != "" {
		st.APIKey = key
		logger.Debug("API key loaded from OS keyring")
		return
	}
	if st.APIKey != "" && !isEnvReference(st.APIKey) {
		return
	}
	if key := os.Getenv("WADESK_API_KEY"); key != "" {
		st.APIKey = key
		logger.Debug("API key loaded from WADESK_API_KEY")
		return
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		st.APIKey = key
		logger.Debug("API key loaded from OPENAI_API_KEY")
	}
}

// StoreKeyring saves the API key to the OS keyring.
func StoreKeyring(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// GetKeyring retrieves the API key from the OS keyring; empty if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes the API key from the OS keyring.
func DeleteKeyring() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
// godotenv.Load does not overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with environment values.
// Unset variables keep the literal placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}
