package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
	"github.com/jholhewres/wadesk/pkg/wadesk/relay"
)

// newChatCmd creates the `wadesk chat` command: a local REPL against the
// responder, useful for tuning the system prompt before going live.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the AI assistant locally",
		Long: `Open an interactive prompt against the configured AI assistant.
Messages are not sent to WhatsApp; this is a dry run of the exact
context-building and fallback behavior the relay uses.

Examples:
  wadesk chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	pause := relay.NewPauseRegistry()
	settings := relay.NewSettingsManager(filepath.Join(cfg.DataDir, "settings.json"), pause, logger)
	if err := settings.Load(); err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	settings.ResolveAPIKey()

	responder := relay.NewResponder(relay.NewLLMClient(logger), settings, relay.ResponderOptions{
		ContextWindow:     cfg.Relay.ContextWindow,
		RequestTimeout:    cfg.Relay.RequestTimeout,
		DisableReplyDelay: true,
	}, logger)

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("wadesk chat — model %s (Ctrl+D to quit)\n\n", settings.Settings().ModelName)

	var history []conversation.Message
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			fmt.Println("bye")
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		reply := responder.Respond(context.Background(), history, input)
		if reply.Origin == relay.OriginFallback {
			fmt.Printf("bot> %s  (provider error: %v)\n", reply.Text, reply.Err)
		} else {
			fmt.Printf("bot> %s\n", reply.Text)
		}

		now := time.Now()
		history = append(history,
			conversation.Message{ID: uuid.NewString(), Text: input, Direction: conversation.DirectionInbound, Timestamp: now},
			conversation.Message{ID: uuid.NewString(), Text: reply.Text, Direction: conversation.DirectionAI, Timestamp: now},
		)
	}
}
