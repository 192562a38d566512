// Package whatsapp implements the WhatsApp transport for wadesk using
// whatsmeow, a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Text send/receive with reply quoting
//   - Typing indicators
//   - Automatic reconnection with capped backoff
//   - Connection state observers for the dashboard
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	SessionDir string `yaml:"session_dir"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements channels.Channel and channels.PresenceChannel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for incoming messages.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// state tracks detailed connection state.
	state atomic.Value // ConnectionState

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	// statusObservers receive connection state changes.
	statusObservers   []func(StatusEvent)
	statusObserversMu sync.Mutex

	// qrObservers receive QR events (for the dashboard).
	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	// lastQR caches the most recent QR code so late-joining observers
	// and the status endpoint can still serve it.
	lastQR *QREvent

	ctx    context.Context
	cancel context.CancelFunc

	// reconnectGuard prevents concurrent reconnection loops.
	reconnectGuard atomic.Bool

	// messagesClosed guards against sending on the closed inbox.
	messagesClosed atomic.Bool
}

// New creates a WhatsApp transport.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}

	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

// ---------- State ----------

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state.
func (w *WhatsApp) GetState() ConnectionState {
	return w.getState()
}

// ---------- Observers ----------

// AddStatusObserver registers a callback for connection state changes.
func (w *WhatsApp) AddStatusObserver(fn func(StatusEvent)) {
	w.statusObserversMu.Lock()
	defer w.statusObserversMu.Unlock()
	w.statusObservers = append(w.statusObservers, fn)
}

// notifyStatus delivers a state change to all observers.
func (w *WhatsApp) notifyStatus(evt StatusEvent) {
	w.statusObserversMu.Lock()
	observers := make([]func(StatusEvent), len(w.statusObservers))
	copy(observers, w.statusObservers)
	w.statusObserversMu.Unlock()

	for _, fn := range observers {
		go func(f func(StatusEvent)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Warn("status observer panic", "error", r)
				}
			}()
			f(evt)
		}(fn)
	}
}

// SubscribeQR registers a channel to receive QR code events.
// Returns an unsubscribe function. The most recent QR code is replayed so a
// late-joining dashboard does not miss it.
func (w *WhatsApp) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		select {
		case ch <- *w.lastQR:
		default:
		}
	}
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// LastQR returns the pending QR code, or empty when none is active.
func (w *WhatsApp) LastQR() string {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()
	if w.lastQR != nil {
		return w.lastQR.Code
	}
	return ""
}

// notifyQR sends a QR event to all observers.
func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()

	if evt.Type == "code" {
		w.lastQR = &evt
	} else {
		// QR no longer valid on success/timeout/error.
		w.lastQR = nil
	}

	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// ---------- Channel interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. If no session exists the
// QR login runs in the background so the server can start immediately; the
// QR code is streamed to dashboard observers for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.setState(StateConnecting)
	w.logger.Info("initializing connection")

	dbPath := w.cfg.SessionDir + "/whatsapp.db"
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo("wadesk", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		// First login: QR in the background, non-blocking.
		w.setState(StateWaitingQR)
		w.logger.Info("no existing session, QR scan required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("connected with existing session", "jid", w.clientJID())
	return nil
}

// Disconnect gracefully closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}

	w.logger.Info("disconnected")
	w.notifyStatus(StatusEvent{State: StateDisconnected, Reason: "user_request"})
	return nil
}

// Logout invalidates the session. This is terminal: a new QR pairing is
// required before the transport can connect again.
func (w *WhatsApp) Logout() error {
	if w.client == nil {
		return nil
	}

	w.setState(StateLoggingOut)
	w.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("logout error, forcing cleanup", "error", err)
		w.client.Disconnect()
		if w.client.Store != nil {
			if delErr := w.client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("failed to delete session store", "error", delErr)
			}
		}
	}

	w.setState(StateDisconnected)
	w.qrObserversMu.Lock()
	w.lastQR = nil
	w.qrObserversMu.Unlock()

	w.logger.Info("logged out, session cleared")
	w.notifyStatus(StatusEvent{State: StateDisconnected, Reason: "logout", NeedsQR: true})
	return nil
}

// Send sends a text message, quoting msg.ReplyTo when set.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	waMsg := buildTextMessage(msg.Content, msg.ReplyTo, jid)
	if _, err := w.client.SendMessage(ctx, jid, waMsg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if the transport is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// NeedsQR reports whether the session is unlinked and needs a QR scan.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health returns the transport health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	h.Details["state"] = string(w.getState())
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
	}
	return h
}

// ---------- PresenceChannel interface ----------

// SendTyping sends a "composing" chat presence.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ClearTyping withdraws the typing indicator.
func (w *WhatsApp) ClearTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

// ---------- Internal ----------

// attemptReconnect re-establishes the session after a non-logout close.
// Reconnection runs behind a CompareAndSwap guard with capped backoff and a
// bounded attempt count, so a flapping link never turns into a retry storm.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("reconnect cancelled, context done")
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("max reconnect attempts reached", "attempts", attempts)
			w.setState(StateDisconnected)
			w.notifyStatus(StatusEvent{State: StateDisconnected, Reason: "max_reconnect_attempts"})
			return
		}

		backoff := w.reconnectBackoff(attempts)
		w.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)
		w.notifyStatus(StatusEvent{State: StateReconnecting, Reason: "connection_lost"})

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			w.logger.Debug("reconnect cancelled during backoff")
			return
		}

		if w.client == nil {
			w.logger.Warn("client is nil, cannot reconnect")
			return
		}

		// Clear any stale websocket state before reconnecting.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and updates state.
		w.logger.Info("reconnect initiated, waiting for confirmation")
		return
	}
}

// reconnectBackoff scales the configured backoff linearly with the attempt
// count, capped at five minutes.
func (w *WhatsApp) reconnectBackoff(attempt int32) time.Duration {
	return min(w.cfg.ReconnectBackoff*time.Duration(attempt), 5*time.Minute)
}

// getDevice retrieves the existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow, streaming codes to observers.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(StateWaitingQR)
	w.notifyStatus(StatusEvent{State: StateWaitingQR})
	w.logger.Info("waiting for QR code scan")

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.logger.Info("QR code ready")
				w.notifyQR(QREvent{
					Type:    "code",
					Code:    evt.Code,
					Message: "Scan the QR code with WhatsApp to link your device",
				})

			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(StateConnected)
				w.logger.Info("login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked successfully"})
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.logger.Warn("QR code expired")
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired, request a new one"})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.logger.Error("QR login error", "error", evt.Error)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// RequestNewQR restarts the QR flow after a timeout or logout.
func (w *WhatsApp) RequestNewQR(ctx context.Context) error {
	if w.connected.Load() {
		return fmt.Errorf("already connected")
	}
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}

	w.client.Disconnect()
	w.qrObserversMu.Lock()
	w.lastQR = nil
	w.qrObserversMu.Unlock()

	w.notifyQR(QREvent{Type: "refresh", Message: "Generating new QR code..."})

	go func() {
		qrCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			qrCtx, cancel = context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
		}
		if err := w.loginWithQR(qrCtx); err != nil {
			w.logger.Error("QR re-login failed", "error", err)
		}
	}()

	return nil
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// emitMessage forwards an inbound message to the engine's inbox.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}

	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("message channel full, dropping message", "chat", msg.ChatKey)
	}
}
