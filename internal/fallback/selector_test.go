package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"forgeflow/internal/keystore"
	"forgeflow/internal/llm"
)

type fakeKeys struct {
	keys map[string]string
}

func (f fakeKeys) Get(provider string) (string, error) {
	if k, ok := f.keys[provider]; ok {
		return k, nil
	}
	return "", keystore.ErrKeyNotFound
}

func chatServer(t *testing.T, content string, status int, gotAuth *string, calls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"upstream broke"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":` + strconv.Quote(content) + `}}]}`))
	}))
}

func generateServer(t *testing.T, response string, gotBody *generateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			if err := json.NewDecoder(r.Body).Decode(gotBody); err != nil {
				t.Errorf("decode generate request: %v", err)
			}
		}
		json.NewEncoder(w).Encode(generateResponse{Model: "llama3.1", Response: response, Done: true})
	}))
}

func chatProvider(name, endpoint, key string) Provider {
	return Provider{
		Name:        name,
		Endpoint:    endpoint,
		Model:       "test-model",
		RequiresKey: true,
		EnvVar:      "TEST_KEY",
		envValue:    key,
		invoker:     newChatInvoker(),
	}
}

func generateProvider(name, endpoint string) Provider {
	return Provider{
		Name:     name,
		Endpoint: endpoint,
		Model:    "llama3.1",
		invoker:  newGenerateInvoker(),
	}
}

var testMessages = []llm.Message{
	{Role: llm.RoleSystem, Content: "You review code."},
	{Role: llm.RoleUser, Content: "Check this diff."},
}

// ---- chain order ----

func TestTryFirstSuccessShortCircuits(t *testing.T) {
	firstCalls, secondCalls := 0, 0
	first := chatServer(t, "from-first", http.StatusOK, nil, &firstCalls)
	defer first.Close()
	second := chatServer(t, "from-second", http.StatusOK, nil, &secondCalls)
	defer second.Close()

	sel := NewSelector([]Provider{
		chatProvider("grok", first.URL, "key-1"),
		chatProvider("openai", second.URL, "key-2"),
	}, nil)

	text, provider, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "from-first" || provider != "grok" {
		t.Fatalf("got text=%q provider=%q", text, provider)
	}
	if firstCalls != 1 || secondCalls != 0 {
		t.Fatalf("expected only the first provider called, got %d/%d", firstCalls, secondCalls)
	}
}

func TestTrySkipsProvidersWithoutKeys(t *testing.T) {
	var body generateRequest
	local := generateServer(t, "local says hi", &body)
	defer local.Close()

	sel := NewSelector([]Provider{
		chatProvider("grok", "http://unused.invalid", ""),
		generateProvider("ollama", local.URL),
	}, nil)

	text, provider, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "ollama" || text != "local says hi" {
		t.Fatalf("got text=%q provider=%q", text, provider)
	}
}

func TestTryFallsThroughOnError(t *testing.T) {
	broken := chatServer(t, "", http.StatusInternalServerError, nil, nil)
	defer broken.Close()
	working := chatServer(t, "recovered", http.StatusOK, nil, nil)
	defer working.Close()

	sel := NewSelector([]Provider{
		chatProvider("grok", broken.URL, "key-1"),
		chatProvider("openai", working.URL, "key-2"),
	}, nil)

	text, provider, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "openai" || text != "recovered" {
		t.Fatalf("got text=%q provider=%q", text, provider)
	}
}

func TestTryAggregatesAllFailures(t *testing.T) {
	broken := chatServer(t, "", http.StatusInternalServerError, nil, nil)
	defer broken.Close()

	sel := NewSelector([]Provider{
		chatProvider("grok", broken.URL, "key-1"),
		chatProvider("openai", "", ""),
	}, nil)

	_, _, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err == nil {
		t.Fatalf("expected aggregate error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "grok:") || !strings.Contains(msg, "openai:") {
		t.Fatalf("aggregate error missing provider entries: %s", msg)
	}
	if !strings.Contains(msg, "SERVICE_ERROR") {
		t.Fatalf("expected the grok failure detail, got: %s", msg)
	}
}

// ---- key resolution ----

func TestKeystoreOverridesEnvBinding(t *testing.T) {
	var gotAuth string
	srv := chatServer(t, "ok", http.StatusOK, &gotAuth, nil)
	defer srv.Close()

	sel := NewSelector(
		[]Provider{chatProvider("grok", srv.URL, "env-key")},
		fakeKeys{keys: map[string]string{"grok": "stored-key"}},
	)

	_, _, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer stored-key" {
		t.Fatalf("expected the stored key to win, got auth %q", gotAuth)
	}
}

func TestEnvBindingUsedWhenKeystoreEmpty(t *testing.T) {
	var gotAuth string
	srv := chatServer(t, "ok", http.StatusOK, &gotAuth, nil)
	defer srv.Close()

	sel := NewSelector(
		[]Provider{chatProvider("grok", srv.URL, "env-key")},
		fakeKeys{keys: map[string]string{}},
	)

	_, _, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer env-key" {
		t.Fatalf("expected the env key, got auth %q", gotAuth)
	}
}

// ---- adapters ----

func TestGenerateInvokerFlattensConversation(t *testing.T) {
	var body generateRequest
	srv := generateServer(t, "flat response", &body)
	defer srv.Close()

	sel := NewSelector([]Provider{generateProvider("ollama", srv.URL)}, nil)

	text, _, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{Temperature: 0.4, MaxTokens: 2048})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "flat response" {
		t.Fatalf("got %q", text)
	}

	if !strings.Contains(body.Prompt, "You review code.") || !strings.Contains(body.Prompt, "Check this diff.") {
		t.Fatalf("prompt did not include both messages: %q", body.Prompt)
	}
	if body.Stream {
		t.Fatalf("generate requests must not stream")
	}
	if body.Options == nil || body.Options.NumPredict != 2048 {
		t.Fatalf("settings not mapped into options: %+v", body.Options)
	}
}

func TestChatInvokerQuotaStatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sel := NewSelector([]Provider{chatProvider("grok", srv.URL, "key")}, nil)

	_, _, err := sel.Try(context.Background(), testMessages, llm.ChatSettings{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !llm.IsQuotaError(err) {
		t.Fatalf("429 from a fallback provider should classify as quota: %v", err)
	}
}

// ---- status ----

func TestStatusReportsAvailability(t *testing.T) {
	sel := NewSelector([]Provider{
		chatProvider("grok", "http://x.invalid", ""),
		chatProvider("openai", "http://x.invalid", "env-key"),
		generateProvider("ollama", "http://x.invalid"),
	}, fakeKeys{keys: map[string]string{"grok": "stored"}})

	statuses := sel.Status()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}

	byName := map[string]ProviderStatus{}
	for _, st := range statuses {
		byName[st.Name] = st
	}

	if st := byName["grok"]; !st.Available || st.KeySource != "keystore" {
		t.Fatalf("grok status wrong: %+v", st)
	}
	if st := byName["openai"]; !st.Available || st.KeySource != "env" {
		t.Fatalf("openai status wrong: %+v", st)
	}
	if st := byName["ollama"]; !st.Available || st.KeySource != "not_required" {
		t.Fatalf("ollama status wrong: %+v", st)
	}
}
