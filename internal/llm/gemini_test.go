package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGeminiClient("test-key", srv.URL)
}

// ---- request shape ----

func TestChatFoldsSystemIntoFirstUserTurn(t *testing.T) {
	var captured geminiRequest
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"parts": []map[string]string{{"text": "ok"}}}},
			},
		})
	})

	out, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a code generator."},
		{Role: RoleUser, Content: "write it"},
	}, ChatSettings{Temperature: 0.4, MaxTokens: 100}, DefaultModel)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected ok, got %q", out)
	}

	if len(captured.Contents) != 1 {
		t.Fatalf("expected one folded content, got %d", len(captured.Contents))
	}
	text := captured.Contents[0].Parts[0].Text
	if !strings.HasPrefix(text, "You are a code generator.") || !strings.Contains(text, "write it") {
		t.Fatalf("system prompt not folded into user turn: %q", text)
	}
	if captured.GenerationConfig == nil || captured.GenerationConfig.MaxOutputTokens != 100 {
		t.Fatal("generation config not forwarded")
	}
}

// ---- error mapping ----

func TestChatRateLimitKeepsRetryHint(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "status": "RESOURCE_EXHAUSTED", "details": [{"retryDelay": "17s"}]}}`))
	})

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatSettings{}, DefaultModel)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !IsQuotaError(err) {
		t.Fatalf("429 must classify as quota error: %v", err)
	}
	if d, ok := ParseRetryAfter(err); !ok || d.Seconds() != 17 {
		t.Fatalf("expected retryDelay 17s preserved in error text, got (%v, %v) from %v", d, ok, err)
	}
}

func TestChatQuotaBodyOn403(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"message": "daily quota exceeded for this project"}}`))
	})

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatSettings{}, DefaultModel)
	if err == nil || !strings.Contains(err.Error(), ErrPrefixQuota) {
		t.Fatalf("expected QUOTA_EXCEEDED error, got %v", err)
	}
	if !IsQuotaError(err) {
		t.Fatal("403 quota body must classify as quota error")
	}
}

func TestChatUnauthorizedIsNotQuota(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatSettings{}, DefaultModel)
	if err == nil || !strings.Contains(err.Error(), ErrPrefixUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED error, got %v", err)
	}
	if IsQuotaError(err) {
		t.Fatal("401 must not classify as quota error")
	}
}

func TestChatEmptyCompletionIsError(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatSettings{}, DefaultModel)
	if err == nil || !strings.Contains(err.Error(), "empty completion") {
		t.Fatalf("expected empty-completion error, got %v", err)
	}
}

// ---- usage bookkeeping ----

func TestUsageAccumulates(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "done"}]}}], "usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}}`))
	})

	for i := 0; i < 3; i++ {
		if _, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatSettings{}, DefaultModel); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}

	usage := client.GetUsage()
	if usage.RequestCount != 3 {
		t.Fatalf("expected 3 requests, got %d", usage.RequestCount)
	}
	if usage.TotalTokens != 45 {
		t.Fatalf("expected 45 tokens, got %d", usage.TotalTokens)
	}
	if usage.TotalCost <= 0 {
		t.Fatal("expected a positive accumulated cost")
	}
}
