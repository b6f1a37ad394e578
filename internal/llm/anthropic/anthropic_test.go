package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/tripgate/internal/llm"
)

func TestSendMessage(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != messagesPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "sk-test" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],
			"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", "claude-test", nil, WithBaseURL(srv.URL+"/"))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "be brief",
		Messages:     llm.UserMessage("hi"),
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "hello world" || resp.Usage.InputTokens != 12 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.Model != "claude-test" || got.System != "be brief" || got.MaxTokens != defaultMaxToken {
		t.Errorf("unexpected request: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("X-API-Key"), "bad") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"content":[],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	_, err := NewClient("bad", "m", nil, WithBaseURL(srv.URL)).SendMessage(context.Background(), &llm.Request{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}

	_, err = NewClient("ok", "m", nil, WithBaseURL(srv.URL)).SendMessage(context.Background(), &llm.Request{})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestSendMessage_RetriesOverloaded(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Temperature == nil || *req.Temperature != 0 {
			t.Errorf("temperature = %v", req.Temperature)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	c := NewClient("k", "m", nil, WithBaseURL(srv.URL), WithRetries(2, time.Millisecond))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		Messages:    llm.UserMessage("plan"),
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "ok" || calls != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, calls)
	}
}

func TestSendMessage_RetriesExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewClient("k", "m", nil, WithBaseURL(srv.URL), WithRetries(1, time.Millisecond))
	_, err := c.SendMessage(context.Background(), &llm.Request{Messages: llm.UserMessage("x")})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Type != "rate_limit_error" || apiErr.Message != "slow down" || !apiErr.Temporary() {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAPIError_Temporary(t *testing.T) {
	for code, want := range map[int]bool{400: false, 401: false, 429: true, 500: true, 529: true} {
		if got := (&APIError{StatusCode: code}).Temporary(); got != want {
			t.Errorf("Temporary(%d) = %v, want %v", code, got, want)
		}
	}
}
