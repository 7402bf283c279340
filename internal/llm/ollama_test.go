package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testheal/internal/ollama"
)

func newTestClient(url string, timeout time.Duration) *Client {
	return NewClient(ollama.NewClient(url), ClientOptions{
		Model:       "llama3.1:8b",
		Temperature: 0.1,
		Timeout:     timeout,
	}, nil)
}

func TestHeal_SendsPromptAndScreenshot(t *testing.T) {
	dir := t.TempDir()
	shot := filepath.Join(dir, "TestCheckout_20260301_120000_ai_healing.png")
	if err := os.WriteFile(shot, []byte("fake-png"), 0o644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}

		var req ollama.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}
		if req.Stream {
			t.Error("expected stream to be false")
		}
		if req.Model != "llama3.1:8b" || req.Prompt != "why?" {
			t.Errorf("unexpected model/prompt: %q %q", req.Model, req.Prompt)
		}
		if req.System != SystemPrompt {
			t.Errorf("unexpected system prompt: %q", req.System)
		}
		if req.Options == nil || req.Options.NumCtx != DefaultNumCtx || req.Options.Temperature == nil || *req.Options.Temperature != 0.1 {
			t.Errorf("unexpected options: %+v", req.Options)
		}
		want := base64.StdEncoding.EncodeToString([]byte("fake-png"))
		if len(req.Images) != 1 || req.Images[0] != want {
			t.Errorf("unexpected images: %v", req.Images)
		}

		json.NewEncoder(w).Encode(ollama.GenerateResponse{Response: `{"analysis":"ok"}`, Done: true})
	}))
	defer server.Close()

	text, ok := newTestClient(server.URL, 0).Heal(context.Background(), HealingRequest{Prompt: "why?", ScreenshotPath: shot})
	if !ok {
		t.Fatal("expected a response")
	}
	if text != `{"analysis":"ok"}` {
		t.Errorf("unexpected text: %q", text)
	}
}

func TestHeal_MissingScreenshotIsOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollama.GenerateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Images) != 0 {
			t.Errorf("expected no images, got %d", len(req.Images))
		}
		json.NewEncoder(w).Encode(ollama.GenerateResponse{Response: "text", Done: true})
	}))
	defer server.Close()

	_, ok := newTestClient(server.URL, 0).Heal(context.Background(), HealingRequest{
		Prompt:         "why?",
		ScreenshotPath: filepath.Join(t.TempDir(), "missing.png"),
	})
	if !ok {
		t.Error("missing screenshot should not fail the request")
	}
}

func TestHeal_FailuresYieldNoResponse(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"out of memory"}`)
		}},
		{"error field", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error":"model is loading","done":false}`)
		}},
		{"empty text", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"response":"  ","done":true}`)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<html>bad gateway</html>`)
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			text, ok := newTestClient(server.URL, 100*time.Millisecond).Heal(context.Background(), HealingRequest{Prompt: "p"})
			if ok || text != "" {
				t.Errorf("expected no response, got %q, %v", text, ok)
			}
		})
	}
}

func TestHeal_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if _, ok := newTestClient(url, time.Second).Heal(context.Background(), HealingRequest{Prompt: "p"}); ok {
		t.Error("expected no response from a closed server")
	}
}

func TestHeal_NilBackend(t *testing.T) {
	if _, ok := NewClient(nil, ClientOptions{}, nil).Heal(context.Background(), HealingRequest{}); ok {
		t.Error("expected no response without a backend")
	}
}
