package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forgeflow/internal/llm"
)

// invoker is the wire-shape capability of one provider. Selection logic never
// branches on provider names; a provider carries the invoker its API needs.
type invoker interface {
	invoke(ctx context.Context, p Provider, apiKey string, messages []llm.Message, settings llm.ChatSettings) (string, error)
}

// chatInvoker speaks the OpenAI-style chat completions format used by both
// Grok and OpenAI.
type chatInvoker struct {
	httpClient *http.Client
}

func newChatInvoker() *chatInvoker {
	return &chatInvoker{httpClient: &http.Client{Timeout: 120 * time.Second}}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *chatInvoker) invoke(ctx context.Context, p Provider, apiKey string, messages []llm.Message, settings llm.ChatSettings) (string, error) {
	wireMessages := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == llm.RoleModel {
			role = "assistant"
		}
		wireMessages = append(wireMessages, chatMessage{Role: role, Content: m.Content})
	}

	reqBody := &chatRequest{
		Model:       p.Model,
		Messages:    wireMessages,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
		Stream:      false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError(p.Name, resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("%s %s API error: %s", llm.ErrPrefixAPI, p.Name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%s %s returned an empty completion", llm.ErrPrefixAPI, p.Name)
	}

	return chatResp.Choices[0].Message.Content, nil
}

// generateInvoker speaks the Ollama-native generate API: no message
// structure, a single concatenated prompt, and the completion in a flat
// "response" field.
type generateInvoker struct {
	httpClient *http.Client
}

func newGenerateInvoker() *generateInvoker {
	// Local inference on large models can be slow.
	return &generateInvoker{httpClient: &http.Client{Timeout: 900 * time.Second}}
}

type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (g *generateInvoker) invoke(ctx context.Context, p Provider, apiKey string, messages []llm.Message, settings llm.ChatSettings) (string, error) {
	reqBody := &generateRequest{
		Model:  p.Model,
		Prompt: flattenMessages(messages),
		Stream: false,
	}
	if settings.Temperature > 0 || settings.MaxTokens > 0 {
		reqBody.Options = &generateOptions{
			Temperature: settings.Temperature,
			NumPredict:  settings.MaxTokens,
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.Endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError(p.Name, resp.StatusCode, body)
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if genResp.Error != "" {
		return "", fmt.Errorf("%s %s API error: %s", llm.ErrPrefixAPI, p.Name, genResp.Error)
	}
	if genResp.Response == "" {
		return "", fmt.Errorf("%s %s returned an empty completion", llm.ErrPrefixAPI, p.Name)
	}

	return genResp.Response, nil
}

// flattenMessages collapses a structured conversation into one prompt for
// providers without a chat API.
func flattenMessages(messages []llm.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// statusError maps HTTP status codes to the marker-prefixed error strings the
// scheduler classifies on.
func statusError(name string, statusCode int, body []byte) error {
	switch statusCode {
	case 429:
		return fmt.Errorf("%s %s rate limit exceeded", llm.ErrPrefixRateLimit, name)
	case 402:
		return fmt.Errorf("%s %s quota exhausted", llm.ErrPrefixQuota, name)
	case 403:
		return fmt.Errorf("%s %s access denied - check API key permissions", llm.ErrPrefixForbidden, name)
	case 401:
		return fmt.Errorf("%s invalid %s API key", llm.ErrPrefixUnauthorized, name)
	case 500, 502, 503, 504:
		return fmt.Errorf("%s %s temporarily unavailable (status %d)", llm.ErrPrefixService, name, statusCode)
	default:
		return fmt.Errorf("%s %s request failed with status %d: %s", llm.ErrPrefixAPI, name, statusCode, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const maxLen = 240
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
