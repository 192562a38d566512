package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// fakeSettings satisfies SettingsSource with fixed values.
type fakeSettings struct {
	systemPrompt string
}

func (f *fakeSettings) ProviderSettings() (ProviderSettings, string) {
	prompt := f.systemPrompt
	if prompt == "" {
		prompt = "You are a test assistant."
	}
	return ProviderSettings{APIKey: "test-key", BaseURL: "http://localhost", ModelName: "test-model"}, prompt
}

// completerFunc adapts a function to the Completer interface.
type completerFunc func(ctx context.Context, settings ProviderSettings, messages []ChatMessage) (string, error)

func (f completerFunc) Complete(ctx context.Context, settings ProviderSettings, messages []ChatMessage) (string, error) {
	return f(ctx, settings, messages)
}

func histMsg(text string, dir conversation.Direction) conversation.Message {
	return conversation.Message{ID: text, Text: text, Direction: dir, Timestamp: time.Now()}
}

func TestRespondSuccess(t *testing.T) {
	c := completerFunc(func(_ context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
		return "halo juga", nil
	})
	r := NewResponder(c, &fakeSettings{}, ResponderOptions{DisableReplyDelay: true}, nil)

	reply := r.Respond(context.Background(), nil, "halo")
	if reply.Origin != OriginAI {
		t.Errorf("expected origin ai, got %s", reply.Origin)
	}
	if reply.Text != "halo juga" {
		t.Errorf("unexpected reply text %q", reply.Text)
	}
	if reply.Err != nil {
		t.Errorf("unexpected error %v", reply.Err)
	}
}

func TestRespondFallbackClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, fallbackTimeout},
		{"cancellation", context.Canceled, fallbackTimeout},
		{"rate limit", &APIError{Status: 429}, fallbackRateLimit},
		{"auth failure", &APIError{Status: 401}, fallbackAuth},
		{"forbidden", &APIError{Status: 403}, fallbackAuth},
		{"server error", &APIError{Status: 500}, fallbackGeneric},
		{"unknown", errors.New("boom"), fallbackGeneric},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := completerFunc(func(_ context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
				return "", tc.err
			})
			r := NewResponder(c, &fakeSettings{}, ResponderOptions{DisableReplyDelay: true}, nil)

			reply := r.Respond(context.Background(), nil, "halo")
			if reply.Origin != OriginFallback {
				t.Fatalf("expected fallback origin, got %s", reply.Origin)
			}
			if reply.Text != tc.want {
				t.Errorf("expected %q, got %q", tc.want, reply.Text)
			}
			if reply.Err == nil {
				t.Error("expected underlying error preserved")
			}
		})
	}
}

func TestRespondTimeoutDoesNotHang(t *testing.T) {
	// Completer that never returns on its own; only the context stops it.
	c := completerFunc(func(ctx context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewResponder(c, &fakeSettings{}, ResponderOptions{
		RequestTimeout:    20 * time.Millisecond,
		DisableReplyDelay: true,
	}, nil)

	done := make(chan Reply, 1)
	go func() { done <- r.Respond(context.Background(), nil, "halo") }()

	select {
	case reply := <-done:
		if reply.Origin != OriginFallback {
			t.Errorf("expected fallback, got %s", reply.Origin)
		}
		if reply.Text != fallbackTimeout {
			t.Errorf("expected timeout fallback, got %q", reply.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("respond hung past its timeout")
	}
}

func TestBuildContext(t *testing.T) {
	var captured []ChatMessage
	c := completerFunc(func(_ context.Context, _ ProviderSettings, messages []ChatMessage) (string, error) {
		captured = messages
		return "ok", nil
	})
	r := NewResponder(c, &fakeSettings{systemPrompt: "system says"}, ResponderOptions{DisableReplyDelay: true}, nil)

	history := []conversation.Message{
		histMsg("h1", conversation.DirectionInbound),
		histMsg("h2", conversation.DirectionAI),
		histMsg("h3", conversation.DirectionManual),
		histMsg("h4", conversation.DirectionInbound),
		histMsg("h5", conversation.DirectionAI),
		histMsg("h6", conversation.DirectionInbound),
	}
	r.Respond(context.Background(), history, "new question")

	// system + last 5 of history + final user turn.
	if len(captured) != 7 {
		t.Fatalf("expected 7 prompt messages, got %d", len(captured))
	}
	if captured[0].Role != "system" || captured[0].Content != "system says" {
		t.Errorf("unexpected system turn: %+v", captured[0])
	}
	// Oldest of the window is h2 (h1 trimmed by the 5-message window).
	if captured[1].Content != "h2" || captured[1].Role != "assistant" {
		t.Errorf("unexpected first history turn: %+v", captured[1])
	}
	// Manual outgoing maps to the user role, like every non-AI direction.
	if captured[2].Content != "h3" || captured[2].Role != "user" {
		t.Errorf("unexpected manual turn mapping: %+v", captured[2])
	}
	last := captured[len(captured)-1]
	if last.Role != "user" || last.Content != "new question" {
		t.Errorf("unexpected final turn: %+v", last)
	}
}

func TestReplyDelay(t *testing.T) {
	c := completerFunc(func(_ context.Context, _ ProviderSettings, _ []ChatMessage) (string, error) {
		return "", nil
	})

	t.Run("within humanizing bounds", func(t *testing.T) {
		r := NewResponder(c, &fakeSettings{}, ResponderOptions{}, nil)
		for i := 0; i < 50; i++ {
			d := r.ReplyDelay()
			if d < 5*time.Second || d >= 8*time.Second {
				t.Fatalf("delay %v outside [5s, 8s)", d)
			}
		}
	})

	t.Run("disabled for tests", func(t *testing.T) {
		r := NewResponder(c, &fakeSettings{}, ResponderOptions{DisableReplyDelay: true}, nil)
		if d := r.ReplyDelay(); d != 0 {
			t.Errorf("expected zero delay, got %v", d)
		}
	})

	// Concurrent chat workers each draw a delay; run under -race.
	t.Run("safe under concurrent workers", func(t *testing.T) {
		r := NewResponder(c, &fakeSettings{}, ResponderOptions{}, nil)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					if d := r.ReplyDelay(); d < 5*time.Second || d >= 8*time.Second {
						t.Errorf("delay %v outside [5s, 8s)", d)
						return
					}
				}
			}()
		}
		wg.Wait()
	})
}
