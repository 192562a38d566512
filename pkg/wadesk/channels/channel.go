// Package channels defines the transport abstraction the relay engine sits
// on top of. The concrete WhatsApp transport lives in the whatsapp
// subpackage; the engine only ever sees these interfaces.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel is the minimal contract a messaging transport must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing/presence indicators.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the recipient.
	SendTyping(ctx context.Context, to string) error

	// ClearTyping withdraws the typing indicator.
	ClearTyping(ctx context.Context, to string) error
}

// IncomingMessage is a message received from the transport, already filtered
// down to what the relay handles: own messages and empty content never make
// it here.
type IncomingMessage struct {
	// ID is the transport-assigned message identifier.
	ID string

	// ChatKey is the conversation key (counterpart address).
	ChatKey string

	// SenderName is the sender display name, when the transport knows it.
	SenderName string

	// Content is the text content.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage is a message to be sent through the transport.
type OutgoingMessage struct {
	// Content is the text content.
	Content string

	// ReplyTo quotes the message with this transport id, if set.
	ReplyTo string
}

// HealthStatus reports transport health for the dashboard.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
)
