package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/bus"
	"github.com/jholhewres/wadesk/pkg/wadesk/channels"
	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// fakeTransport is an in-memory channels.Channel for engine tests.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []channels.OutgoingMessage
	sentTo    []string
	inbox     chan *channels.IncomingMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		inbox:     make(chan *channels.IncomingMessage, 16),
	}
}

func (f *fakeTransport) Name() string                  { return "fake" }
func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error             { close(f.inbox); return nil }

func (f *fakeTransport) Receive() <-chan *channels.IncomingMessage { return f.inbox }

func (f *fakeTransport) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: f.IsConnected()}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return channels.ErrChannelDisconnected
	}
	f.sent = append(f.sent, *msg)
	f.sentTo = append(f.sentTo, to)
	return nil
}

func (f *fakeTransport) sentMessages() []channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channels.OutgoingMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeSettingsStore satisfies SettingsStore.
type fakeSettingsStore struct {
	fakeSettings
	mu    sync.Mutex
	saves int
}

func (f *fakeSettingsStore) SaveNow() error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return nil
}

func (f *fakeSettingsStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// invokeCountingCompleter counts Complete calls.
type invokeCountingCompleter struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (c *invokeCountingCompleter) Complete(_ context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, nil
}

func (c *invokeCountingCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestEngine(t *testing.T, completer Completer) (*Engine, *fakeTransport, *conversation.Store) {
	t.Helper()

	store := conversation.New()
	pause := NewPauseRegistry()
	settings := &fakeSettingsStore{}
	responder := NewResponder(completer, settings, ResponderOptions{DisableReplyDelay: true}, nil)
	transport := newFakeTransport()
	b := bus.New(nil)

	store.SetNotifier(b)
	store.SetPausedFunc(pause.IsPaused)

	return NewEngine(store, pause, responder, transport, b, settings, nil), transport, store
}

func inboundMsg(key, id, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{ID: id, ChatKey: key, Content: text, Timestamp: time.Now()}
}

func TestHandleInboundRecordsAndReplies(t *testing.T) {
	completer := &invokeCountingCompleter{reply: "AI says hi"}
	e, transport, store := newTestEngine(t, completer)

	e.HandleInbound(context.Background(), inboundMsg("A", "m1", "hi"))

	conv, ok := store.Get("A")
	if !ok {
		t.Fatal("conversation A not created")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected inbound + AI reply, got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Direction != conversation.DirectionInbound {
		t.Errorf("first message should be inbound, got %s", conv.Messages[0].Direction)
	}
	if conv.Messages[1].Direction != conversation.DirectionAI {
		t.Errorf("second message should be outgoing-ai, got %s", conv.Messages[1].Direction)
	}
	if conv.Messages[1].Text != "AI says hi" {
		t.Errorf("unexpected AI text %q", conv.Messages[1].Text)
	}

	sent := transport.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 transport send, got %d", len(sent))
	}
	if sent[0].ReplyTo != "m1" {
		t.Errorf("expected reply to quote the inbound id, got %q", sent[0].ReplyTo)
	}

	sums := store.ListSummaries()
	if len(sums) != 1 || sums[0].Preview != "AI says hi" {
		t.Errorf("expected summary preview to be the AI reply, got %+v", sums)
	}
}

func TestHandleInboundPausedSkipsAI(t *testing.T) {
	completer := &invokeCountingCompleter{reply: "should not appear"}
	e, transport, store := newTestEngine(t, completer)

	e.TogglePause("A", true)
	e.HandleInbound(context.Background(), inboundMsg("A", "m1", "hi"))

	conv, ok := store.Get("A")
	if !ok {
		t.Fatal("inbound must be recorded even when paused")
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("expected only the inbound message, got %d", len(conv.Messages))
	}
	if completer.callCount() != 0 {
		t.Errorf("responder must not be invoked while paused, got %d calls", completer.callCount())
	}
	if len(transport.sentMessages()) != 0 {
		t.Error("no reply must be sent while paused")
	}
	if !conv.Paused {
		t.Error("conversation should read as paused")
	}
}

func TestHandleInboundDuplicateIsNoOp(t *testing.T) {
	completer := &invokeCountingCompleter{reply: "reply"}
	e, _, store := newTestEngine(t, completer)

	e.HandleInbound(context.Background(), inboundMsg("A", "m1", "hi"))
	e.HandleInbound(context.Background(), inboundMsg("A", "m1", "hi"))

	conv, _ := store.Get("A")
	if len(conv.Messages) != 2 {
		t.Errorf("duplicate delivery must not add messages, got %d", len(conv.Messages))
	}
	if completer.callCount() != 1 {
		t.Errorf("duplicate delivery must not re-invoke the responder, got %d", completer.callCount())
	}
}

func TestHandleInboundFallbackStillSent(t *testing.T) {
	c := completerFunc(func(_ context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
		return "", &APIError{Status: 500, Body: "upstream down"}
	})
	e, transport, store := newTestEngine(t, c)

	evts, unsub := e.bus.Subscribe()
	defer unsub()

	e.HandleInbound(context.Background(), inboundMsg("A", "m1", "hi"))

	sent := transport.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("fallback text must still be sent, got %d sends", len(sent))
	}
	if sent[0].Content != fallbackGeneric {
		t.Errorf("expected generic fallback, got %q", sent[0].Content)
	}

	conv, _ := store.Get("A")
	if len(conv.Messages) != 2 {
		t.Errorf("fallback reply must be recorded, got %d messages", len(conv.Messages))
	}

	sawAIError := false
	for {
		select {
		case evt := <-evts:
			if evt.Topic == "ai_error" {
				sawAIError = true
			}
			continue
		default:
		}
		break
	}
	if !sawAIError {
		t.Error("expected an ai_error event")
	}
}

func TestSendManual(t *testing.T) {
	completer := &invokeCountingCompleter{}
	e, transport, store := newTestEngine(t, completer)

	t.Run("requires connection", func(t *testing.T) {
		transport.setConnected(false)
		if _, err := e.SendManual(context.Background(), "A", "hello"); err != channels.ErrChannelDisconnected {
			t.Errorf("expected ErrChannelDisconnected, got %v", err)
		}
		transport.setConnected(true)
	})

	t.Run("sends and records", func(t *testing.T) {
		msg, err := e.SendManual(context.Background(), "A", "hello")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if msg.Direction != conversation.DirectionManual {
			t.Errorf("expected outgoing-manual, got %s", msg.Direction)
		}
		if msg.ID == "" {
			t.Error("expected a server-assigned id")
		}

		conv, _ := store.Get("A")
		if len(conv.Messages) != 1 {
			t.Fatalf("expected recorded manual message, got %d", len(conv.Messages))
		}
	})
}

func TestTogglePausePersistsAndPublishes(t *testing.T) {
	completer := &invokeCountingCompleter{}
	e, _, _ := newTestEngine(t, completer)
	settings := e.settings.(*fakeSettingsStore)

	evts, unsub := e.bus.Subscribe()
	defer unsub()

	e.TogglePause("A", true)

	if !e.pause.IsPaused("A") {
		t.Error("expected A paused")
	}
	if settings.saveCount() != 1 {
		t.Errorf("expected immediate persistence, got %d saves", settings.saveCount())
	}

	select {
	case evt := <-evts:
		if evt.Topic != "paused_update" {
			t.Errorf("expected paused_update event, got %s", evt.Topic)
		}
	default:
		t.Error("expected a published event")
	}
}

func TestRunPerKeyOrdering(t *testing.T) {
	completer := &invokeCountingCompleter{reply: "r"}
	e, transport, store := newTestEngine(t, completer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	transport.inbox <- inboundMsg("A", "a1", "first")
	transport.inbox <- inboundMsg("A", "a2", "second")
	transport.inbox <- inboundMsg("B", "b1", "other chat")

	// Wait for all three pipelines to finish.
	deadline := time.After(2 * time.Second)
	for {
		convA, _ := store.Get("A")
		convB, _ := store.Get("B")
		if len(convA.Messages) == 4 && len(convB.Messages) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pipelines did not finish: A=%d B=%d", len(convA.Messages), len(convB.Messages))
		case <-time.After(10 * time.Millisecond):
		}
	}

	convA, _ := store.Get("A")
	// Per-key ordering: first exchange fully precedes the second.
	wantIDs := []string{"a1", "", "a2", ""}
	for i, want := range wantIDs {
		if want == "" {
			continue
		}
		if convA.Messages[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, convA.Messages[i].ID)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on context cancel")
	}
}
