// Package llm provides the completion-provider clients Forgeflow schedules
// work against, plus the error classification the scheduler and pipeline
// depend on.
package llm

import (
	"context"
	"time"
)

// Message roles
const (
	RoleSystem = "system"
	RoleUser   = "user"
	RoleModel  = "model"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatSettings carries the per-call generation knobs.
type ChatSettings struct {
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ChatClient is the opaque completion capability the pipeline consumes.
// Implementations must surface quota failures with the error markers
// recognized by IsQuotaError.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, settings ChatSettings, model string) (string, error)
	Provider() string
	Health(ctx context.Context) error
}

// ProviderUsage tracks cumulative usage statistics per provider
type ProviderUsage struct {
	Provider     string    `json:"provider"`
	RequestCount int64     `json:"request_count"`
	TotalTokens  int64     `json:"total_tokens"`
	TotalCost    float64   `json:"total_cost"`
	AvgLatency   float64   `json:"avg_latency"`
	ErrorCount   int64     `json:"error_count"`
	LastUsed     time.Time `json:"last_used"`
}
