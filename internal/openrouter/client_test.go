package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"strength-arena/internal/bench"
)

func completionBody(content, finishReason string) map[string]any {
	return map[string]any{
		"id":      "gen-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test/model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finishReason,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "test-key",
		Referer:    "https://example.test",
		AppName:    "Strength Arena",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client, srv
}

func TestCallSuccessAndHeaders(t *testing.T) {
	var gotReferer, gotTitle, gotAuth string
	var gotReq struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(completionBody("  hello world  ", "stop"))
	})

	text, err := client.Call(context.Background(), "test/model", "say hi", "be brief", bench.DefaultGenerationParams())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text = %q (must be trimmed)", text)
	}
	if gotReferer != "https://example.test" || gotTitle != "Strength Arena" {
		t.Fatalf("attribution headers = %q / %q", gotReferer, gotTitle)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "test/model" || gotReq.MaxTokens != 1000 {
		t.Fatalf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
}

func TestCallOmitsSystemMessageWhenBlank(t *testing.T) {
	var roles []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		roles = nil
		for _, m := range req.Messages {
			roles = append(roles, m.Role)
		}
		json.NewEncoder(w).Encode(completionBody("ok", "stop"))
	})
	if _, err := client.Call(context.Background(), "m", "p", "   ", bench.DefaultGenerationParams()); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestCallRetriesRateLimit(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}})
			return
		}
		json.NewEncoder(w).Encode(completionBody("recovered", "stop"))
	})
	text, err := client.Call(context.Background(), "m", "p", "", bench.DefaultGenerationParams())
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if text != "recovered" {
		t.Fatalf("text = %q", text)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestCallRateLimitExhausted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}})
	})
	_, err := client.Call(context.Background(), "m", "p", "", bench.DefaultGenerationParams())
	orErr, ok := IsError(err)
	if !ok {
		t.Fatalf("err = %v, want typed error", err)
	}
	if orErr.Kind != KindRateLimit || orErr.StatusCode != 429 {
		t.Fatalf("error = %+v", orErr)
	}
}

func TestCallAuthErrorNotRetried(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "bad key", "type": "auth"}})
	})
	_, err := client.Call(context.Background(), "m", "p", "", bench.DefaultGenerationParams())
	orErr, ok := IsError(err)
	if !ok || orErr.Kind != KindAuth {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("auth failure retried %d times", calls)
	}
}

func TestCallErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusPaymentRequired, KindBilling},
		{http.StatusForbidden, KindBilling},
		{http.StatusNotFound, KindModelNotFound},
		{http.StatusBadRequest, KindAPI},
	}
	for _, c := range cases {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "nope", "type": "x"}})
		})
		_, err := client.Call(context.Background(), "m", "p", "", bench.DefaultGenerationParams())
		orErr, ok := IsError(err)
		if !ok || orErr.Kind != c.want {
			t.Fatalf("status %d: err = %v, want kind %s", c.status, err, c.want)
		}
	}
}

func TestCallEmptyResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionBody("", "length"))
	})
	_, err := client.Call(context.Background(), "m", "p", "", bench.DefaultGenerationParams())
	orErr, ok := IsError(err)
	if !ok || orErr.Kind != KindEmptyResponse {
		t.Fatalf("err = %v", err)
	}
	if orErr.Message != "model hit max_tokens before yielding visible output" {
		t.Fatalf("message = %q", orErr.Message)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("missing api key must fail")
	}
}
