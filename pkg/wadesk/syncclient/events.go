package syncclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Run consumes the server's SSE stream, keeping the cache current. Each
// (re)connect triggers a full Resync because events emitted while the
// stream was down are gone for good. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.consumeStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := c.retry.backoff(attempt)
		c.logger.Warn("event stream lost, reconnecting", "backoff", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consumeStream opens the SSE connection and dispatches events until the
// stream breaks.
func (c *Client) consumeStream(ctx context.Context) error {
	streamURL := c.baseURL + "/api/events"
	if c.token != "" {
		// EventSource-compatible auth: token travels as a query parameter.
		streamURL += "?token=" + url.QueryEscape(c.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The regular client has a request timeout; the stream must outlive it.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{Status: resp.StatusCode}
	}

	c.logger.Info("event stream connected")
	if err := c.Resync(ctx); err != nil {
		c.logger.Warn("resync after connect failed", "error", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			c.handleEvent(ctx, eventType, strings.TrimPrefix(line, "data: "))
		case line == "":
			eventType = ""
		}
	}
	return scanner.Err()
}

// handleEvent applies a single SSE event to the cache.
func (c *Client) handleEvent(ctx context.Context, eventType, data string) {
	switch eventType {
	case "conversation_update":
		var server Conversation
		if err := json.Unmarshal([]byte(data), &server); err != nil {
			c.logger.Warn("bad conversation_update payload", "error", err)
			return
		}
		c.reconcile(server.Key, &server)

	case "contact_updated":
		var payload struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return
		}
		c.mu.Lock()
		if conv, ok := c.cache[payload.Key]; ok && payload.Name != "" {
			conv.Name = payload.Name
		}
		c.mu.Unlock()
		c.notifyChange(payload.Key)

	case "contact_deleted":
		var payload struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.cache, payload.Key)
		c.mu.Unlock()
		c.notifyChange(payload.Key)

	case "paused_update":
		var payload struct {
			Key    string `json:"key"`
			Paused bool   `json:"paused"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return
		}
		c.mu.Lock()
		if conv, ok := c.cache[payload.Key]; ok {
			conv.Paused = payload.Paused
		}
		c.mu.Unlock()
		c.notifyChange(payload.Key)

	case "ping", "connected", "log", "ai_error", "settings_update", "status", "qr":
		// Informational; nothing to mirror.

	default:
		c.logger.Debug("unhandled event", "type", eventType)
	}
}
