package whatsapp

import (
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/channels"

	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the WhatsApp connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateLoggingOut   ConnectionState = "logging_out"
)

// StatusEvent describes a connection state change for observers.
type StatusEvent struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
	// NeedsQR is set when the session was invalidated and a new pairing
	// is required before reconnecting.
	NeedsQR bool `json:"needsQr,omitempty"`
}

// QREvent describes a QR login event for observers.
type QREvent struct {
	// Type is "code", "success", "timeout", "refresh" or "error".
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleEvent dispatches whatsmeow events.
func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessageEvt(e)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.setState(StateConnected)
		w.logger.Info("connection established", "jid", w.clientJID())
		w.notifyStatus(StatusEvent{State: StateConnected})

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("connection lost")
		// Skip the reconnect loop during an intentional teardown.
		if w.getState() != StateLoggingOut && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.LoggedOut:
		// Session invalidated on the phone side. Reconnecting is pointless;
		// the operator must scan a fresh QR code.
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.qrObserversMu.Lock()
		w.lastQR = nil
		w.qrObserversMu.Unlock()
		w.logger.Warn("logged out remotely, new QR pairing required", "reason", e.Reason)
		w.notifyStatus(StatusEvent{State: StateDisconnected, Reason: "logged_out", NeedsQR: true})

	case *events.StreamReplaced:
		// Another client took over the session.
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("stream replaced by another session")
		w.notifyStatus(StatusEvent{State: StateDisconnected, Reason: "stream_replaced"})

	case *events.ConnectFailure:
		w.errorCount.Add(1)
		w.logger.Error("connect failure", "reason", e.Reason)

	case *events.KeepAliveTimeout:
		w.logger.Warn("keepalive timeout", "error_count", e.ErrorCount)
	}
}

// handleMessageEvt converts an inbound WhatsApp message and forwards it to
// the engine. Own messages, broadcasts and empty payloads are dropped here so
// the relay only ever sees actionable customer text.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	senderName := evt.Info.PushName
	if senderName == "" {
		senderName = evt.Info.Sender.User
	}

	ts := evt.Info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	w.emitMessage(&channels.IncomingMessage{
		ID:         evt.Info.ID,
		ChatKey:    evt.Info.Chat.String(),
		SenderName: senderName,
		Content:    content,
		Timestamp:  ts,
	})
}
