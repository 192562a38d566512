package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// Reply origins.
const (
	OriginAI       = "ai"
	OriginFallback = "fallback"
)

// User-facing fallback texts per failure class. The bot presents continuous
// service even when the provider does not.
const (
	fallbackGeneric   = "Maaf, terjadi kesalahan. Silakan coba lagi."
	fallbackTimeout   = "Maaf, permintaan timeout. Server AI sedang sibuk."
	fallbackRateLimit = "Maaf, rate limit tercapai. Tunggu sebentar."
	fallbackAuth      = "Konfigurasi AI tidak valid. Hubungi admin."
)

// Reply delay bounds for the humanizing delay.
const (
	replyDelayMin  = 5 * time.Second
	replyDelaySpan = 3 * time.Second
)

// Reply is the outcome of a Respond call.
type Reply struct {
	Text string
	// Origin is OriginAI for a provider completion, OriginFallback when
	// the provider failed and canned text is used instead.
	Origin string
	// Err holds the underlying provider error when Origin is fallback.
	Err error
}

// ResponderOptions tune the responder.
type ResponderOptions struct {
	// ContextWindow is how many stored messages precede the inbound text
	// in the prompt. Zero means the default of 5.
	ContextWindow int

	// RequestTimeout bounds the provider call. Zero means 30 seconds.
	RequestTimeout time.Duration

	// DisableReplyDelay makes ReplyDelay return zero. For tests.
	DisableReplyDelay bool
}

// SettingsSource provides the current provider settings and system prompt.
// Read per call so dashboard updates apply to the next message.
type SettingsSource interface {
	ProviderSettings() (ProviderSettings, string)
}

// Responder builds the bounded conversation context, invokes the AI
// capability under a timeout and converts failures into fallback text.
// Failures are never retried here; the caller decides whether to surface an
// error event.
type Responder struct {
	completer Completer
	settings  SettingsSource
	opts      ResponderOptions
	logger    *slog.Logger
}

// NewResponder creates a responder.
func NewResponder(completer Completer, settings SettingsSource, opts ResponderOptions, logger *slog.Logger) *Responder {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		completer: completer,
		settings:  settings,
		opts:      opts,
		logger:    logger.With("component", "responder"),
	}
}

// Respond generates a reply for the inbound text given the messages stored
// before it. The provider error, if any, never propagates as a failure — it
// is folded into fallback text.
func (r *Responder) Respond(ctx context.Context, history []conversation.Message, inbound string) Reply {
	messages := r.buildContext(history, inbound)

	settings, _ := r.settings.ProviderSettings()

	callCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()

	text, err := r.completer.Complete(callCtx, settings, messages)
	if err != nil {
		fallback := classifyFallback(err)
		r.logger.Warn("AI call failed, using fallback", "error", err)
		return Reply{Text: fallback, Origin: OriginFallback, Err: err}
	}

	return Reply{Text: text, Origin: OriginAI}
}

// buildContext assembles the prompt: system instruction, then the most
// recent stored messages oldest first, then the inbound text as the final
// user turn. Replies the bot produced map to the assistant role; everything
// else counts as the user.
func (r *Responder) buildContext(history []conversation.Message, inbound string) []ChatMessage {
	_, systemPrompt := r.settings.ProviderSettings()

	if n := len(history); n > r.opts.ContextWindow {
		history = history[n-r.opts.ContextWindow:]
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	for _, m := range history {
		role := "user"
		if m.Direction == conversation.DirectionAI {
			role = "assistant"
		}
		messages = append(messages, ChatMessage{Role: role, Content: m.Text})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: inbound})
	return messages
}

// ReplyDelay returns the humanizing delay to wait before transmitting a
// reply: a random duration in [5s, 8s), or zero when disabled. The engine
// calls this from concurrent per-chat workers, so it uses the locked
// package-level source.
func (r *Responder) ReplyDelay() time.Duration {
	if r.opts.DisableReplyDelay {
		return 0
	}
	return replyDelayMin + time.Duration(rand.Int63n(int64(replyDelaySpan)))
}

// classifyFallback maps a provider error to the user-facing fallback text.
func classifyFallback(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fallbackTimeout
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests:
			return fallbackRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return fallbackAuth
		}
	}

	return fallbackGeneric
}
