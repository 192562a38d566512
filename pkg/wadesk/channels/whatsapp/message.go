package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// parseJID converts a string JID to types.JID.
// Accepts "6281234567890" or "6281234567890@s.whatsapp.net"
// or group IDs like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	// Already a full JID with server.
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	// Bare phone number, strip any non-digit characters.
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}

// extractText pulls the text body out of a WhatsApp message. Ephemeral
// (disappearing) wrappers are unwrapped first. Media-only messages yield an
// empty string and are dropped upstream.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}

	// Disappearing messages wrap the real payload.
	if eph := waMsg.GetEphemeralMessage(); eph != nil && eph.GetMessage() != nil {
		waMsg = eph.GetMessage()
	}

	if waMsg.Conversation != nil {
		return waMsg.GetConversation()
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

// buildTextMessage creates an outgoing text message. When replyTo carries the
// stanza ID of an inbound message, the outgoing text quotes it so the answer
// stays attached to the customer's question in busy chats.
func buildTextMessage(content, replyTo string, chat types.JID) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(content)}
	}

	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(content),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(replyTo),
				Participant:   proto.String(chat.ToNonAD().String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
}
