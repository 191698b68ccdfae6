// Package pipeline drives the five-stage code generation pipeline:
// Analyze, Generate, Quality Check (with a bounded retry loop between
// the two), Harden, and Validate. Stage executions go through the
// request scheduler so concurrent runs share one provider quota.
package pipeline

import (
	"time"

	"forgeflow/internal/assembler"
	"forgeflow/internal/parser"
)

// AgentRole names the pipeline stage an agent is configured for.
type AgentRole string

const (
	RoleAnalyzer       AgentRole = "analyzer"        // Breaks the request into an implementation plan
	RoleGenerator      AgentRole = "generator"       // Writes the code
	RoleQualityChecker AgentRole = "quality_checker" // Reviews generated code, approves or rejects
	RoleEngineer       AgentRole = "engineer"        // Hardens the approved code for production
	RoleValidator      AgentRole = "validator"       // Scores the final output
)

// StageOrder is the fixed execution order of the pipeline roles.
var StageOrder = []AgentRole{
	RoleAnalyzer,
	RoleGenerator,
	RoleQualityChecker,
	RoleEngineer,
	RoleValidator,
}

// StageStatus represents the state of a single pipeline stage.
type StageStatus string

const (
	StagePending               StageStatus = "pending"
	StageInProgress            StageStatus = "in_progress"
	StageCompleted             StageStatus = "completed"
	StageCompletedWithWarnings StageStatus = "completed_with_warnings"
	StageRejected              StageStatus = "rejected"
	StageFailed                StageStatus = "failed"
)

// FailureType classifies why a run did not complete cleanly.
type FailureType string

const (
	FailureNone     FailureType = "none"
	FailureQuota    FailureType = "quota"    // All models and fallback providers quota-exhausted
	FailureCooldown FailureType = "cooldown" // Run refused before any stage started
	FailureOther    FailureType = "other"    // Non-quota stage error
)

// AgentConfig describes one stage agent. Immutable for the duration of
// a run; the registry owns the mutable copy between runs.
type AgentConfig struct {
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	ModelID      string    `json:"model_id"`
	Temperature  float32   `json:"temperature"`
	SystemPrompt string    `json:"system_prompt"`
	MaxRetries   int       `json:"max_retries"`
}

// Stage is one step of a run. Created pending, mutated in place as the
// run progresses, never shared across runs.
type Stage struct {
	ID         int         `json:"id"`
	Name       string      `json:"name"`
	Agent      AgentConfig `json:"agent"`
	Status     StageStatus `json:"status"`
	Input      string      `json:"input,omitempty"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartTime  *time.Time  `json:"start_time,omitempty"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	RetryCount int         `json:"retry_count"`

	// ModelUsed and ProviderUsed record which candidate actually
	// produced the output, which may differ from Agent.ModelID after
	// quota fallbacks.
	ModelUsed    string `json:"model_used,omitempty"`
	ProviderUsed string `json:"provider_used,omitempty"`
}

// Quality attempt verdicts
const (
	AttemptApproved = "approved"
	AttemptRejected = "rejected"
)

// QualityAttempt records one Generate/Quality-Check round trip.
type QualityAttempt struct {
	Attempt          int    `json:"attempt"`
	Status           string `json:"status"`
	GeneratorModel   string `json:"generator_model"`
	QualityModel     string `json:"quality_model"`
	GeneratedCode    string `json:"generated_code"`
	ReviewerFeedback string `json:"reviewer_feedback"`
	DiffFromPrevious string `json:"diff_from_previous,omitempty"`
}

// RunRequest is the caller's input for one pipeline run.
type RunRequest struct {
	// RunID optionally pre-assigns the run identifier so callers can
	// announce it (for event subscriptions) before the run starts. A
	// fresh UUID is generated when empty.
	RunID string `json:"run_id,omitempty"`

	UserPrompt        string           `json:"user_prompt"`
	ContextMode       assembler.Mode   `json:"context_mode"`
	Files             []assembler.File `json:"files,omitempty"`
	ActiveFile        *assembler.File  `json:"active_file,omitempty"`
	MaxCharacters     int              `json:"max_characters,omitempty"`
	MaxQualityRetries int              `json:"max_quality_retries,omitempty"`

	// KnownIssues is an externally supplied outstanding-issue summary
	// fed into the Analyze stage and the final report.
	KnownIssues string `json:"known_issues,omitempty"`
}

// Result is the outcome of one pipeline run. A run that fails after
// stage execution has begun still returns a Result carrying whatever
// stages completed plus a best-effort report.
type Result struct {
	RunID           string              `json:"run_id"`
	Success         bool                `json:"success"`
	FinalCode       string              `json:"final_code,omitempty"`
	Stages          []*Stage            `json:"stages"`
	QualityScore    int                 `json:"quality_score"`
	QualityAttempts []QualityAttempt    `json:"quality_attempts,omitempty"`
	FileChanges     []parser.FileChange `json:"file_changes,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Report          string              `json:"report,omitempty"`
	FailureType     FailureType         `json:"failure_type"`
	Error           string              `json:"error,omitempty"`
	DurationMS      int64               `json:"duration_ms"`
}

// ProgressFunc is invoked once per stage-status transition with a
// snapshot of the stage. Called from the run's goroutine; implementations
// must not block.
type ProgressFunc func(stage Stage)
