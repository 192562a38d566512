package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wadesk/pkg/wadesk/config"
	"github.com/jholhewres/wadesk/pkg/wadesk/persist"
)

// newConfigCmd creates the `wadesk config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigClearKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			st := config.DefaultSettings()
			if _, err := persist.Load(filepath.Join(cfg.DataDir, "settings.json"), &st); err != nil {
				return fmt.Errorf("reading settings: %w", err)
			}
			config.ResolveAPIKey(&st, discardLogger())

			fmt.Printf("data dir:       %s\n", cfg.DataDir)
			fmt.Printf("dashboard:      %s (auth: %s)\n", cfg.Server.Address, enabledWord(cfg.Server.AuthToken != ""))
			fmt.Printf("session dir:    %s\n", cfg.WhatsApp.SessionDir)
			fmt.Printf("base url:       %s\n", st.BaseURL)
			fmt.Printf("model:          %s\n", st.ModelName)
			fmt.Printf("api key:        %s\n", maskKey(st.APIKey))
			fmt.Printf("system prompt:  %s\n", st.SystemPrompt)
			fmt.Printf("paused chats:   %d\n", len(st.PausedChats))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key [key]",
		Short: "Store the AI provider API key in the OS keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				prompt := huh.NewInput().
					Title("AI provider API key").
					EchoMode(huh.EchoModePassword).
					Value(&key)
				if err := prompt.Run(); err != nil {
					return err
				}
			}

			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("empty API key")
			}
			if err := config.StoreKeyring(key); err != nil {
				return fmt.Errorf("storing key in keyring: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigClearKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key",
		Short: "Remove the stored API key from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring(); err != nil {
				return fmt.Errorf("removing key from keyring: %w", err)
			}
			fmt.Println("API key removed from the OS keyring.")
			return nil
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
