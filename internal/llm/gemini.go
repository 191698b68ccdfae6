package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GeminiClient is the primary completion provider client.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	usage      *ProviderUsage
	usageMu    sync.RWMutex // Protects usage statistics
}

// Gemini API request/response structures
type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float32 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
		Index        int    `json:"index"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiClient creates a new Gemini API client. baseURL may be empty to
// use the public endpoint.
func NewGeminiClient(apiKey, baseURL string) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		usage: &ProviderUsage{
			Provider: "gemini",
			LastUsed: time.Now(),
		},
	}
}

// Chat implements ChatClient against the Gemini generateContent endpoint.
// System messages are folded into the first user turn; Gemini has no separate
// system role on this endpoint.
func (g *GeminiClient) Chat(ctx context.Context, messages []Message, settings ChatSettings, model string) (string, error) {
	startTime := time.Now()

	geminiReq := &geminiRequest{
		Contents: foldMessages(messages),
		GenerationConfig: &geminiGenConfig{
			Temperature:     settings.Temperature,
			MaxOutputTokens: settings.MaxTokens,
			TopP:            0.8,
			TopK:            40,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)

	resp, err := g.makeRequest(ctx, url, geminiReq)
	if err != nil {
		g.incrementErrorCount()
		return "", err
	}

	cost := g.calculateCost(resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount, model)
	g.updateUsage(resp.UsageMetadata.TotalTokenCount, cost, time.Since(startTime))

	content := ""
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		content = resp.Candidates[0].Content.Parts[0].Text
	}
	if content == "" {
		return "", fmt.Errorf("%s Gemini returned an empty completion for model %s", ErrPrefixAPI, model)
	}
	return content, nil
}

// foldMessages converts chat messages into Gemini contents. Consecutive
// system prompts are prepended to the first user turn.
func foldMessages(messages []Message) []geminiContent {
	var system []string
	var contents []geminiContent

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleModel:
			contents = append(contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			text := msg.Content
			if len(system) > 0 {
				text = strings.Join(system, "\n\n") + "\n\n" + text
				system = nil
			}
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: text}},
			})
		}
	}

	// System prompt with no user turn still has to become a user turn
	if len(system) > 0 {
		contents = append(contents, geminiContent{
			Role:  "user",
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		})
	}
	return contents
}

// makeRequest sends an HTTP request to the Gemini API
func (g *GeminiClient) makeRequest(ctx context.Context, url string, req *geminiRequest) (*geminiResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case 429:
			// Keep the body excerpt: Google embeds a retryDelay hint the
			// scheduler parses for its backoff wait.
			return nil, fmt.Errorf("%s Gemini API rate limit exceeded (429)%s: %s",
				ErrPrefixRateLimit, retryAfterSuffix(resp), excerpt(body))
		case 403:
			if bytes.Contains(body, []byte("quota")) || bytes.Contains(body, []byte("QUOTA")) {
				return nil, fmt.Errorf("%s Gemini API quota exhausted. Consider adding billing or configuring a fallback provider", ErrPrefixQuota)
			}
			return nil, fmt.Errorf("%s Gemini API access denied - check API key permissions", ErrPrefixForbidden)
		case 401:
			return nil, fmt.Errorf("%s Invalid Gemini API key", ErrPrefixUnauthorized)
		case 500, 502, 503, 504:
			return nil, fmt.Errorf("%s Gemini service temporarily unavailable (status %d)", ErrPrefixService, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%s Gemini request failed with status %d: %s", ErrPrefixAPI, resp.StatusCode, excerpt(body))
		}
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if geminiResp.Error != nil {
		if geminiResp.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, fmt.Errorf("%s Gemini API error: RESOURCE_EXHAUSTED: %s", ErrPrefixQuota, geminiResp.Error.Message)
		}
		return nil, fmt.Errorf("%s Gemini API error: %s", ErrPrefixAPI, geminiResp.Error.Message)
	}

	return &geminiResp, nil
}

func retryAfterSuffix(resp *http.Response) string {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		return fmt.Sprintf(", retry after %s", ra)
	}
	return ""
}

// excerpt bounds an error body for inclusion in error text.
func excerpt(body []byte) string {
	const maxLen = 240
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// Provider returns the provider identifier
func (g *GeminiClient) Provider() string {
	return "gemini"
}

// Health checks if the Gemini API is accessible
func (g *GeminiClient) Health(ctx context.Context) error {
	testReq := &geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: "Hello"}}},
		},
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: 5,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, DefaultModel, g.apiKey)
	_, err := g.makeRequest(ctx, url, testReq)
	return err
}

// GetUsage returns current usage statistics (thread-safe copy)
func (g *GeminiClient) GetUsage() *ProviderUsage {
	g.usageMu.RLock()
	defer g.usageMu.RUnlock()

	return &ProviderUsage{
		Provider:     g.usage.Provider,
		RequestCount: g.usage.RequestCount,
		TotalTokens:  g.usage.TotalTokens,
		TotalCost:    g.usage.TotalCost,
		AvgLatency:   g.usage.AvgLatency,
		ErrorCount:   g.usage.ErrorCount,
		LastUsed:     g.usage.LastUsed,
	}
}

// calculateCost estimates cost based on Gemini pricing
func (g *GeminiClient) calculateCost(inputTokens, outputTokens int, model string) float64 {
	var inputCostPer1K, outputCostPer1K float64

	switch model {
	case "gemini-1.5-pro":
		inputCostPer1K = 0.00125
		outputCostPer1K = 0.00375
	default:
		inputCostPer1K = 0.000075
		outputCostPer1K = 0.0003
	}

	inputCost := float64(inputTokens) / 1000.0 * inputCostPer1K
	outputCost := float64(outputTokens) / 1000.0 * outputCostPer1K

	return inputCost + outputCost
}

// updateUsage updates internal usage statistics (thread-safe)
func (g *GeminiClient) updateUsage(totalTokens int, cost float64, duration time.Duration) {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()

	g.usage.RequestCount++
	g.usage.TotalTokens += int64(totalTokens)
	g.usage.TotalCost += cost
	g.usage.AvgLatency = (g.usage.AvgLatency*float64(g.usage.RequestCount-1) + duration.Seconds()) / float64(g.usage.RequestCount)
	g.usage.LastUsed = time.Now()
}

// incrementErrorCount safely increments the error count
func (g *GeminiClient) incrementErrorCount() {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	g.usage.ErrorCount++
}
