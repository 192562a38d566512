// Package commands implements the wadesk CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wadesk",
		Short: "Wadesk - WhatsApp AI customer-service desk",
		Long: `Wadesk relays WhatsApp conversations through an AI assistant and
serves a dashboard where operators can watch chats, pause the bot per
contact and take over manually.

Examples:
  wadesk serve
  wadesk serve --config ./config.yaml
  wadesk chat
  wadesk config show
  wadesk setup`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newConfigCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
