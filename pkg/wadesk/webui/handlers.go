package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/channels"
	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
)

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Status      string         `json:"status"`
	QR          string         `json:"qr,omitempty"`
	Config      settingsView   `json:"config"`
	PausedChats []string       `json:"pausedChats"`
	Health      map[string]any `json:"health"`
}

// settingsView is Settings with the API key reduced to a presence flag.
// The key itself never leaves the server.
type settingsView struct {
	APIKeySet    bool   `json:"apiKeySet"`
	BaseURL      string `json:"baseUrl"`
	ModelName    string `json:"modelName"`
	SystemPrompt string `json:"systemPrompt"`
}

// handleStatus returns connection state, pending QR, settings and pause list.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	st := s.settings.Settings()
	health := s.transport.Health()
	resp := statusResponse{
		Status: string(s.transport.GetState()),
		QR:     s.transport.LastQR(),
		Config: settingsView{
			APIKeySet:    st.APIKey != "",
			BaseURL:      st.BaseURL,
			ModelName:    st.ModelName,
			SystemPrompt: st.SystemPrompt,
		},
		PausedChats: st.PausedChats,
		Health: map[string]any{
			"connected":  health.Connected,
			"errorCount": health.ErrorCount,
			"details":    health.Details,
		},
	}
	if !health.LastMessageAt.IsZero() {
		resp.Health["lastMessageAt"] = health.LastMessageAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConversations lists conversation summaries, most recent first.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.store.ListSummaries())
}

// handleConversation returns a single conversation. An unknown key yields an
// empty conversation shell rather than 404 so the dashboard can open a chat
// that has not received any messages yet.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/conversation/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing conversation key"})
		return
	}

	conv, ok := s.store.Get(key)
	if !ok {
		conv = conversation.Conversation{
			Key:      key,
			Name:     strings.TrimSuffix(key, "@s.whatsapp.net"),
			Messages: []conversation.Message{},
		}
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleContact renames (PUT) or removes (DELETE) a contact.
func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/contact/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing contact key"})
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
			return
		}
		if !s.store.Rename(key, strings.TrimSpace(body.Name)) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "contact not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case http.MethodDelete:
		if !s.store.Remove(key) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "contact not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleDeleteMessage deletes a single message, or the whole history when no
// message id is given.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		ChatKey   string `json:"chatKey"`
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatKey is required"})
		return
	}

	var found bool
	if body.MessageID == "" {
		found = s.store.ClearMessages(body.ChatKey)
	} else {
		found = s.store.RemoveMessage(body.ChatKey, body.MessageID)
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleSend sends an operator-composed message to a chat.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		ChatKey string `json:"chatKey"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatKey == "" || strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatKey and message are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	msg, err := s.engine.SendManual(ctx, body.ChatKey, body.Message)
	if err != nil {
		if errors.Is(err, channels.ErrChannelDisconnected) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "WhatsApp is not connected"})
			return
		}
		s.logger.Error("manual send failed", "chat", body.ChatKey, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "send failed"})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleToggleBot pauses or resumes the AI for a chat.
func (s *Server) handleToggleBot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		Key    string `json:"key"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}

	var paused bool
	switch body.Action {
	case "pause":
		paused = true
	case "resume":
		paused = false
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be 'pause' or 'resume'"})
		return
	}

	s.engine.TogglePause(body.Key, paused)
	writeJSON(w, http.StatusOK, map[string]any{"key": body.Key, "paused": paused})
}

// handleSettings updates provider settings. Persisted before returning.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		APIKey       string `json:"apiKey"`
		BaseURL      string `json:"baseUrl"`
		ModelName    string `json:"modelName"`
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	st, err := s.settings.Update(body.APIKey, body.BaseURL, body.ModelName, body.SystemPrompt)
	if err != nil {
		s.logger.Error("persisting settings failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save settings"})
		return
	}

	s.bus.Publish("settings_update", map[string]string{"modelName": st.ModelName})
	writeJSON(w, http.StatusOK, settingsView{
		APIKeySet:    st.APIKey != "",
		BaseURL:      st.BaseURL,
		ModelName:    st.ModelName,
		SystemPrompt: st.SystemPrompt,
	})
}

// handleEvents streams bus events to the dashboard over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	// Initial snapshot so a fresh dashboard does not wait for the next event.
	writeSSE(w, flusher, "connected", map[string]string{"status": string(s.transport.GetState())})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, flusher, "ping", map[string]int64{"ts": time.Now().Unix()})
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt.Topic, evt.Payload)
		}
	}
}

// handleLogout invalidates the WhatsApp session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := s.transport.Logout(); err != nil {
		s.logger.Error("logout failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "logout failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
