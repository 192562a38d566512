// Package syncclient implements a caching API client for the wadesk server.
// It is the programmatic counterpart of the dashboard: a local mirror of the
// server's conversations with optimistic sends and automatic resync.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// reconcileWindow is how far apart timestamps may drift while still
// matching an optimistic message to its server-side copy.
const reconcileWindow = 30 * time.Second

// Message wraps a server message with client-local delivery state.
// Pending and Failed exist only in this cache, never on the server.
type Message struct {
	conversation.Message
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

// Conversation is the client-side mirror of a server conversation.
type Conversation struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Messages       []Message `json:"messages"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Paused         bool      `json:"paused"`
}

// Client mirrors server conversation state over the HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
	retry   RetryPolicy

	mu        sync.RWMutex
	cache     map[string]*Conversation
	summaries []conversation.Summary

	// onChange, when set, is called with the conversation key after any
	// cache update so a UI can re-render.
	onChange func(key string)
}

// New creates a sync client for the given server.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "syncclient"),
		retry:   DefaultRetryPolicy(),
		cache:   make(map[string]*Conversation),
	}
}

// OnChange registers a cache-update callback.
func (c *Client) OnChange(fn func(key string)) { c.onChange = fn }

// SetRetryPolicy overrides the default backoff.
func (c *Client) SetRetryPolicy(p RetryPolicy) { c.retry = p }

// ---------- Reads ----------

// Select returns a conversation, fetching it from the server on first
// access and serving the cached mirror afterwards.
func (c *Client) Select(ctx context.Context, key string) (Conversation, error) {
	c.mu.RLock()
	cached, ok := c.cache[key]
	if ok {
		conv := cloneConversation(cached)
		c.mu.RUnlock()
		return conv, nil
	}
	c.mu.RUnlock()

	var fetched Conversation
	err := c.doWithRetry(ctx, "select", func() error {
		return c.getJSON(ctx, "/api/conversation/"+url.PathEscape(key), &fetched)
	})
	if err != nil {
		return Conversation{}, err
	}

	c.mu.Lock()
	c.cache[key] = &fetched
	conv := cloneConversation(&fetched)
	c.mu.Unlock()

	c.notifyChange(key)
	return conv, nil
}

// Summaries returns the cached conversation list.
func (c *Client) Summaries() []conversation.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]conversation.Summary, len(c.summaries))
	copy(out, c.summaries)
	return out
}

// Resync refreshes the summary list and re-fetches every cached
// conversation, reconciling local state against the server's.
func (c *Client) Resync(ctx context.Context) error {
	var summaries []conversation.Summary
	err := c.doWithRetry(ctx, "resync", func() error {
		return c.getJSON(ctx, "/api/conversations", &summaries)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.summaries = summaries
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)

	for _, key := range keys {
		var server Conversation
		err := c.doWithRetry(ctx, "refetch", func() error {
			return c.getJSON(ctx, "/api/conversation/"+url.PathEscape(key), &server)
		})
		if err != nil {
			c.logger.Warn("refetch failed during resync", "key", key, "error", err)
			continue
		}
		c.reconcile(key, &server)
	}
	return nil
}

// reconcile merges a fresh server conversation into the cache. The server
// copy wins; local messages survive only while they are still pending and
// have no server-side counterpart (matched by id, or by content,
// direction and a timestamp within the reconcile window).
func (c *Client) reconcile(key string, server *Conversation) {
	c.mu.Lock()
	local := c.cache[key]

	merged := *server
	if local != nil {
		for _, lm := range local.Messages {
			if !lm.Pending {
				continue
			}
			if matchesServer(server.Messages, lm) {
				continue
			}
			merged.Messages = append(merged.Messages, lm)
		}
	}
	c.cache[key] = &merged
	c.mu.Unlock()

	c.notifyChange(key)
}

// matchesServer reports whether a pending local message already exists in
// the server history.
func matchesServer(server []Message, local Message) bool {
	for _, sm := range server {
		if sm.ID == local.ID {
			return true
		}
		if sm.Text == local.Text && sm.Direction == local.Direction &&
			absDuration(sm.Timestamp.Sub(local.Timestamp)) <= reconcileWindow {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ---------- Sends ----------

// Send delivers an operator message with optimistic local echo: the
// message appears in the cache immediately with a temporary id and the
// pending flag, then is replaced by the server's canonical copy. On
// permanent failure the local copy is kept and marked failed.
func (c *Client) Send(ctx context.Context, key, text string) (Message, error) {
	local := Message{
		Message: conversation.Message{
			ID:        "local-" + uuid.NewString(),
			Text:      text,
			Direction: conversation.DirectionManual,
			Timestamp: time.Now(),
		},
		Pending: true,
	}

	c.mu.Lock()
	conv, ok := c.cache[key]
	if !ok {
		conv = &Conversation{Key: key, Name: key}
		c.cache[key] = conv
	}
	conv.Messages = append(conv.Messages, local)
	conv.LastActivityAt = local.Timestamp
	c.mu.Unlock()
	c.notifyChange(key)

	var canonical conversation.Message
	err := c.doWithRetry(ctx, "send", func() error {
		return c.postJSON(ctx, "/api/send",
			map[string]string{"chatKey": key, "message": text}, &canonical)
	})

	c.mu.Lock()
	// The entry can vanish while the request is in flight, e.g. when a
	// contact_deleted event lands on the stream goroutine.
	if conv = c.cache[key]; conv != nil {
		for i := range conv.Messages {
			if conv.Messages[i].ID != local.ID {
				continue
			}
			if err != nil {
				conv.Messages[i].Pending = false
				conv.Messages[i].Failed = true
			} else {
				conv.Messages[i] = Message{Message: canonical}
			}
			break
		}
	}
	c.mu.Unlock()
	c.notifyChange(key)

	if err != nil {
		return local, fmt.Errorf("sending message: %w", err)
	}
	return Message{Message: canonical}, nil
}

// ---------- HTTP plumbing ----------

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) notifyChange(key string) {
	if c.onChange != nil {
		c.onChange(key)
	}
}

func cloneConversation(conv *Conversation) Conversation {
	out := *conv
	out.Messages = make([]Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return out
}
