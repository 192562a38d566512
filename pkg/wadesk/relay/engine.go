// Package relay implements the conversation relay engine: it consumes
// inbound transport messages, records them in the conversation store,
// decides whether to invoke the AI responder and sends the reply back out.
// One worker per conversation key keeps per-key ordering while different
// keys proceed in parallel.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/wadesk/pkg/wadesk/bus"
	"github.com/jholhewres/wadesk/pkg/wadesk/channels"
	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// SettingsStore is the engine's view of the runtime settings: reads feed the
// responder, SaveNow persists the snapshot immediately after pause toggles
// and settings updates.
type SettingsStore interface {
	SettingsSource
	SaveNow() error
}

// Engine wires the transport, store, pause registry, responder and bus into
// the relay pipeline.
type Engine struct {
	store     *conversation.Store
	pause     *PauseRegistry
	responder *Responder
	transport channels.Channel
	bus       *bus.Bus
	settings  SettingsStore
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]chan *channels.IncomingMessage
	wg      sync.WaitGroup
}

// NewEngine creates the engine. All collaborators must be non-nil except the
// transport, which may be attached later via SetTransport.
func NewEngine(store *conversation.Store, pause *PauseRegistry, responder *Responder, transport channels.Channel, b *bus.Bus, settings SettingsStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		pause:     pause,
		responder: responder,
		transport: transport,
		bus:       b,
		settings:  settings,
		logger:    logger.With("component", "relay"),
		workers:   make(map[string]chan *channels.IncomingMessage),
	}
}

// SetTransport attaches the transport. Must be called before Run.
func (e *Engine) SetTransport(ch channels.Channel) { e.transport = ch }

// Transport returns the attached transport.
func (e *Engine) Transport() channels.Channel { return e.transport }

// Run consumes the transport's inbound channel until the context ends or
// the channel closes, dispatching each message to its per-key worker.
func (e *Engine) Run(ctx context.Context) {
	inbox := e.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			e.drainWorkers()
			return
		case msg, ok := <-inbox:
			if !ok {
				e.drainWorkers()
				return
			}
			e.dispatch(ctx, msg)
		}
	}
}

// dispatch hands the message to the worker owning its conversation key,
// starting the worker on first use.
func (e *Engine) dispatch(ctx context.Context, msg *channels.IncomingMessage) {
	e.mu.Lock()
	ch, ok := e.workers[msg.ChatKey]
	if !ok {
		ch = make(chan *channels.IncomingMessage, 16)
		e.workers[msg.ChatKey] = ch
		e.wg.Add(1)
		go e.worker(ctx, msg.ChatKey, ch)
	}
	e.mu.Unlock()

	select {
	case ch <- msg:
	default:
		e.logger.Warn("worker queue full, dropping message", "key", msg.ChatKey)
	}
}

func (e *Engine) worker(ctx context.Context, key string, ch <-chan *channels.IncomingMessage) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e.HandleInbound(ctx, msg)
		}
	}
}

// drainWorkers closes all worker queues and waits for them to finish.
func (e *Engine) drainWorkers() {
	e.mu.Lock()
	for key, ch := range e.workers {
		close(ch)
		delete(e.workers, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// HandleInbound runs the relay pipeline for one inbound message: record,
// check pause, respond, delay, send, record the reply. A provider failure
// only affects the outbound side; the inbound message is always recorded.
func (e *Engine) HandleInbound(ctx context.Context, msg *channels.IncomingMessage) {
	res := e.store.Append(msg.ChatKey, conversation.Message{
		ID:        msg.ID,
		Text:      msg.Content,
		Direction: conversation.DirectionInbound,
		Timestamp: msg.Timestamp,
	})
	if !res.Applied {
		e.logger.Debug("duplicate inbound message, skipping", "key", msg.ChatKey, "id", msg.ID)
		return
	}

	e.logger.Info("inbound message", "key", msg.ChatKey, "preview", truncate(msg.Content, 80))

	// Read the pause flag once, now — not earlier — so an in-flight toggle
	// cannot race the decision to invoke the responder.
	if e.pause.IsPaused(msg.ChatKey) {
		e.logger.Info("AI paused for chat, skipping", "key", msg.ChatKey)
		e.bus.Publish("log", "Skipped AI for "+msg.ChatKey+" (Paused)")
		return
	}

	if presence, ok := e.transport.(channels.PresenceChannel); ok {
		if err := presence.SendTyping(ctx, msg.ChatKey); err != nil {
			e.logger.Debug("typing indicator failed", "error", err)
		}
	}

	// History for the prompt is everything stored before this message.
	history := res.Conversation.Messages
	if n := len(history); n > 0 {
		history = history[:n-1]
	}

	reply := e.responder.Respond(ctx, history, msg.Content)
	if reply.Origin == OriginFallback {
		e.bus.Publish("ai_error", map[string]any{
			"key":   msg.ChatKey,
			"error": reply.Err.Error(),
		})
	}

	// Humanizing delay before the reply goes out.
	if delay := e.responder.ReplyDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	out := &channels.OutgoingMessage{Content: reply.Text, ReplyTo: msg.ID}
	if err := e.transport.Send(ctx, msg.ChatKey, out); err != nil {
		e.logger.Error("sending AI reply failed", "key", msg.ChatKey, "error", err)
		e.bus.Publish("log", "Error: "+err.Error())
		return
	}

	if presence, ok := e.transport.(channels.PresenceChannel); ok {
		if err := presence.ClearTyping(ctx, msg.ChatKey); err != nil {
			e.logger.Debug("clearing typing indicator failed", "error", err)
		}
	}

	e.store.Append(msg.ChatKey, conversation.Message{
		ID:        uuid.NewString(),
		Text:      reply.Text,
		Direction: conversation.DirectionAI,
		Timestamp: time.Now(),
	})
}

// SendManual sends an operator-composed message and records it. Requires a
// connected transport.
func (e *Engine) SendManual(ctx context.Context, key, text string) (conversation.Message, error) {
	if !e.transport.IsConnected() {
		return conversation.Message{}, channels.ErrChannelDisconnected
	}

	if err := e.transport.Send(ctx, key, &channels.OutgoingMessage{Content: text}); err != nil {
		return conversation.Message{}, err
	}

	msg := conversation.Message{
		ID:        uuid.NewString(),
		Text:      text,
		Direction: conversation.DirectionManual,
		Timestamp: time.Now(),
	}
	e.store.Append(key, msg)
	return msg, nil
}

// TogglePause flips AI suppression for the key. The new flag is persisted
// immediately and published before this returns, so observers never see the
// toggle without its durable side effects scheduled.
func (e *Engine) TogglePause(key string, paused bool) {
	e.pause.SetPaused(key, paused)

	if err := e.settings.SaveNow(); err != nil {
		e.logger.Error("persisting pause state failed", "error", err)
	}

	e.logger.Info("pause toggled", "key", key, "paused", paused)
	e.bus.Publish("paused_update", map[string]any{"key": key, "paused": paused})
}
