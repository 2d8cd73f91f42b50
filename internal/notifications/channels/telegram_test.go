package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTelegramChannel_Send(t *testing.T) {
	var receivedBody map[string]interface{}
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ch, err := NewTelegramChannel("test-tg", TelegramConfig{BotToken: "123:ABC"}, nil)
	if err != nil {
		t.Fatalf("NewTelegramChannel failed: %v", err)
	}
	ch.baseURL = server.URL

	if err := ch.Send(context.Background(), "-100123456", "<b>not html</b>"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if receivedPath != "/bot123:ABC/sendMessage" {
		t.Errorf("expected path /bot123:ABC/sendMessage, got %s", receivedPath)
	}
	if receivedBody["chat_id"] != "-100123456" {
		t.Errorf("expected chat_id -100123456, got %v", receivedBody["chat_id"])
	}
	if _, ok := receivedBody["parse_mode"]; ok {
		t.Error("expected plain text without parse_mode")
	}
	if receivedBody["text"] != "<b>not html</b>" {
		t.Errorf("expected text passed through verbatim, got %v", receivedBody["text"])
	}
}

func TestTelegramChannel_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ch, _ := NewTelegramChannel("test-tg", TelegramConfig{BotToken: "bad"}, nil)
	ch.baseURL = server.URL

	if err := ch.Send(context.Background(), "123", "Test"); err == nil {
		t.Error("expected error for server error response")
	}
}

func TestNewTelegramChannel_Validation(t *testing.T) {
	if _, err := NewTelegramChannel("test", TelegramConfig{}, nil); err == nil {
		t.Error("expected error for missing bot token")
	}
}
