package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wadesk/pkg/wadesk/config"
	"github.com/jholhewres/wadesk/pkg/wadesk/persist"
)

// newSetupCmd creates the `wadesk setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		Long: `Walk through the initial configuration: AI provider credentials,
dashboard address and data directory. Writes config.yaml and the
runtime settings file, and can store the API key in the OS keyring.`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := config.Default()
	st := config.DefaultSettings()

	var (
		apiKey     string
		useKeyring = true
		authToken  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("AI provider API key").
				Description("OpenRouter or any OpenAI-compatible provider").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Base URL").
				Placeholder(config.DefaultBaseURL).
				Value(&st.BaseURL),
			huh.NewInput().
				Title("Model").
				Placeholder(config.DefaultModelName).
				Value(&st.ModelName),
			huh.NewText().
				Title("System prompt").
				Value(&st.SystemPrompt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Dashboard listen address").
				Placeholder(":3000").
				Value(&cfg.Server.Address),
			huh.NewInput().
				Title("Dashboard auth token").
				Description("Leave empty to disable authentication").
				EchoMode(huh.EchoModePassword).
				Value(&authToken),
			huh.NewInput().
				Title("Data directory").
				Placeholder("./data").
				Value(&cfg.DataDir),
			huh.NewConfirm().
				Title("Store the API key in the OS keyring?").
				Description("Otherwise it is kept in the settings file").
				Value(&useKeyring),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":3000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if st.BaseURL == "" {
		st.BaseURL = config.DefaultBaseURL
	}
	if st.ModelName == "" {
		st.ModelName = config.DefaultModelName
	}
	cfg.Server.AuthToken = authToken

	apiKey = strings.TrimSpace(apiKey)
	if apiKey != "" {
		if useKeyring {
			if err := config.StoreKeyring(apiKey); err != nil {
				fmt.Printf("keyring unavailable (%v), keeping the key in the settings file\n", err)
				st.APIKey = apiKey
			}
		} else {
			st.APIKey = apiKey
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	if err := config.SaveToFile(cfg, "config.yaml"); err != nil {
		return fmt.Errorf("writing config.yaml: %w", err)
	}
	if err := persist.WriteFileAtomic(filepath.Join(cfg.DataDir, "settings.json"), st); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete. Start the daemon with:")
	fmt.Println("  wadesk serve")
	fmt.Println()
	fmt.Printf("Then open http://localhost%s and scan the QR code.\n", cfg.Server.Address)
	return nil
}
