package mqttio

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/gateway"
)

func TestParseFrame(t *testing.T) {
	t.Run("full frame", func(t *testing.T) {
		payload := `{
			"sessionId": "s1",
			"message": "hello",
			"requestId": "r1",
			"replyTopic": "custom/out",
			"systemPrompt": "SYS",
			"temperature": 0.5,
			"topP": 0.9,
			"maxTokens": 128
		}`
		f, gerr := ParseFrame([]byte(payload))
		if gerr != nil {
			t.Fatalf("ParseFrame: %v", gerr)
		}
		if f.SessionID != "s1" || f.Message != "hello" || f.RequestID != "r1" {
			t.Errorf("frame = %+v", f)
		}
		if f.ReplyTopic != "custom/out" || f.SystemPrompt != "SYS" {
			t.Errorf("frame = %+v", f)
		}
		if f.Temperature == nil || *f.Temperature != 0.5 {
			t.Errorf("Temperature = %v", f.Temperature)
		}
		if f.TopP == nil || *f.TopP != 0.9 {
			t.Errorf("TopP = %v", f.TopP)
		}
		if f.MaxTokens == nil || *f.MaxTokens != 128 {
			t.Errorf("MaxTokens = %v", f.MaxTokens)
		}
	})

	t.Run("minimal frame", func(t *testing.T) {
		f, gerr := ParseFrame([]byte(`{"sessionId":"s1","message":"hi"}`))
		if gerr != nil {
			t.Fatalf("ParseFrame: %v", gerr)
		}
		if f.Temperature != nil || f.TopP != nil || f.MaxTokens != nil {
			t.Errorf("absent overrides should stay nil: %+v", f)
		}
	})

	t.Run("missing sessionId keeps partial frame", func(t *testing.T) {
		f, gerr := ParseFrame([]byte(`{"message":"hi","requestId":"r9"}`))
		if gerr == nil || gerr.Kind != gateway.KindBadRequest {
			t.Fatalf("gerr = %v, want bad_request", gerr)
		}
		if f == nil || f.RequestID != "r9" {
			t.Errorf("partial frame = %+v, want requestId preserved", f)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		_, gerr := ParseFrame([]byte(`{"sessionId":"s1"}`))
		if gerr == nil || gerr.Kind != gateway.KindBadRequest {
			t.Fatalf("gerr = %v, want bad_request", gerr)
		}
		if !strings.Contains(gerr.Detail, "message") {
			t.Errorf("detail %q should name the missing field", gerr.Detail)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		f, gerr := ParseFrame([]byte(`{"sessionId":"s1","message":"hi","session_id":"dup"}`))
		if gerr == nil || gerr.Kind != gateway.KindBadRequest {
			t.Errorf("gerr = %v, want bad_request for unknown field", gerr)
		}
		// Fields decoded before the unknown key survive, so the caller can
		// still derive a reply topic for the error.
		if f == nil || f.SessionID != "s1" {
			t.Errorf("partial frame = %+v, want sessionId preserved", f)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		f, gerr := ParseFrame([]byte(`{"sessionId": `))
		if gerr == nil || gerr.Kind != gateway.KindBadRequest {
			t.Errorf("gerr = %v, want bad_request", gerr)
		}
		if f == nil {
			t.Fatal("frame should carry whatever decoded before the failure")
		}
		if f.SessionID != "" || f.ReplyTopic != "" {
			t.Errorf("no reply topic should be derivable here, frame = %+v", f)
		}
	})
}

func TestLooksLikeJSON(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{`{"a":1}`, true},
		{"  \n\t{", true},
		{"plain text", false},
		{"[1,2]", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := looksLikeJSON([]byte(tt.payload)); got != tt.want {
			t.Errorf("looksLikeJSON(%q) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func TestPlainTextFrame(t *testing.T) {
	t.Run("session from topic level", func(t *testing.T) {
		f, ok := plainTextFrame("general/user_input/sess42", []byte("hello there"), 2)
		if !ok {
			t.Fatal("expected fallback to apply")
		}
		if f.SessionID != "sess42" || f.Message != "hello there" {
			t.Errorf("frame = %+v", f)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		if _, ok := plainTextFrame("a/b/c", []byte("x"), -1); ok {
			t.Error("negative index must disable the fallback")
		}
	})

	t.Run("index out of range", func(t *testing.T) {
		if _, ok := plainTextFrame("a/b", []byte("x"), 5); ok {
			t.Error("missing topic level must drop the frame")
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		if _, ok := plainTextFrame("a/b/c", []byte("   "), 2); ok {
			t.Error("blank payload must drop the frame")
		}
	})
}
