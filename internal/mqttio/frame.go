// Package mqttio is the MQTT surface of the gateway: inbound frame parsing,
// the ingress handler that turns frames into queued requests, and the paho
// client wrapper that owns the broker connection.
package mqttio

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/MrWong99/parley/internal/gateway"
)

// Frame is the inbound JSON message shape. Field names are fixed; unknown
// fields are rejected rather than silently coerced.
type Frame struct {
	SessionID    string   `json:"sessionId"`
	Message      string   `json:"message"`
	RequestID    string   `json:"requestId"`
	ReplyTopic   string   `json:"replyTopic"`
	SystemPrompt string   `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	TopP         *float64 `json:"topP"`
	MaxTokens    *int     `json:"maxTokens"`
}

// looksLikeJSON reports whether payload plausibly starts a JSON object.
func looksLikeJSON(payload []byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ParseFrame decodes a JSON payload into a Frame. It returns a bad_request
// error for malformed JSON, unrecognized fields, or missing required fields.
// The frame is always returned alongside the error, carrying whatever fields
// decoded before the failure, so that the caller can still derive a reply
// topic from a sessionId or replyTopic that preceded the offending input.
func ParseFrame(payload []byte) (*Frame, *gateway.Error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	f := &Frame{}
	if err := dec.Decode(f); err != nil {
		return f, gateway.Ef(gateway.KindBadRequest, "malformed frame: %v", err)
	}
	if f.SessionID == "" {
		return f, gateway.E(gateway.KindBadRequest, "missing required field sessionId")
	}
	if f.Message == "" {
		return f, gateway.E(gateway.KindBadRequest, "missing required field message")
	}
	return f, nil
}

// plainTextFrame builds a Frame from a non-JSON payload. The whole payload
// becomes the message and the session id is read from topic level
// sessionIndex. Returns false when the fallback is disabled or the topic has
// no such level.
func plainTextFrame(topic string, payload []byte, sessionIndex int) (*Frame, bool) {
	if sessionIndex < 0 {
		return nil, false
	}
	levels := strings.Split(topic, "/")
	if sessionIndex >= len(levels) || levels[sessionIndex] == "" {
		return nil, false
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		return nil, false
	}
	return &Frame{SessionID: levels[sessionIndex], Message: msg}, true
}
