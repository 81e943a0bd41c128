package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOptimizePromptParsesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "test-model" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Sure!\n{\"optimizedPrompt\": \"sunlit living room, rattan chairs\"}"}]}`))
	}))
	t.Cleanup(server.Close)

	got, err := NewClient(server.URL, "key", "test-model", time.Second).OptimizePrompt(context.Background(), "living room", "Boho", "redesign_2d")
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if got != "sunlit living room, rattan chairs" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestOptimizePromptWithoutJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"no json here"}]}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, "key", "m", time.Second).OptimizePrompt(context.Background(), "p", "s", "freestyle")
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"rate limited"}}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, "key", "m", time.Second).Complete(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}
