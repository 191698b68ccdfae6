package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeflow/internal/assembler"
	"forgeflow/internal/cache"
	"forgeflow/internal/fallback"
	"forgeflow/internal/llm"
	"forgeflow/internal/logging"
	"forgeflow/internal/metrics"
	"forgeflow/internal/parser"
	"forgeflow/internal/quota"
	"forgeflow/internal/scheduler"
)

// Quality-gate attempt bounds
const (
	DefaultQualityAttempts = 3
	MaxQualityAttempts     = 5
)

// stageMaxTokens caps completion length for every stage call.
const stageMaxTokens = 8192

// Orchestrator drives pipeline runs. All runs share one scheduler and
// one tracker, so the provider-wide quota holds across concurrent runs.
type Orchestrator struct {
	client   llm.ChatClient
	sched    *scheduler.Scheduler
	tracker  *quota.Tracker
	registry *Registry

	selector      *fallback.Selector // optional
	analysisCache *cache.Cache       // optional

	log *zap.Logger
	now func() time.Time
}

// Options carries the optional orchestrator collaborators.
type Options struct {
	Registry      *Registry
	Selector      *fallback.Selector
	AnalysisCache *cache.Cache
}

// New wires an orchestrator around the shared scheduler and tracker.
func New(client llm.ChatClient, sched *scheduler.Scheduler, tracker *quota.Tracker, opts Options) *Orchestrator {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Orchestrator{
		client:        client,
		sched:         sched,
		tracker:       tracker,
		registry:      registry,
		selector:      opts.Selector,
		analysisCache: opts.AnalysisCache,
		log:           logging.Named("pipeline"),
		now:           time.Now,
	}
}

// Registry exposes the agent registry for the API layer.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run executes the full pipeline for one request. It always returns a
// Result; failures are encoded in FailureType and Error rather than a
// separate error value, so partial progress is never lost.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, progress ProgressFunc) *Result {
	started := o.now()
	res := &Result{RunID: req.RunID, FailureType: FailureNone}
	if res.RunID == "" {
		res.RunID = uuid.New().String()
	}
	log := o.log.With(zap.String("run_id", res.RunID))

	health := o.tracker.Snapshot()
	if health.CoolingDown {
		o.tracker.RecordBlocked(health.RemainingSeconds)
		res.FailureType = FailureCooldown
		res.Error = fmt.Sprintf("quota cooldown active - retry in %d seconds", health.RemainingSeconds)
		res.Report = buildReport(res, req, "")
		res.DurationMS = o.now().Sub(started).Milliseconds()
		metrics.Get().RecordRun("cooldown", o.now().Sub(started), 0, 0)
		log.Warn("run refused during quota cooldown",
			zap.Int("remaining_seconds", health.RemainingSeconds))
		return res
	}

	degraded := health.Degraded
	if degraded {
		log.Warn("running in degraded mode",
			zap.Int("recent_quota_failures", health.RecentFailures))
	}

	run := o.newRun(res)

	budget := req.MaxCharacters
	if degraded {
		budget /= 2
	}
	payload := assembler.Assemble(req.ContextMode, req.Files, req.ActiveFile, budget)

	// Stage 1: Analyze. Served from the cache when an identical request
	// was analyzed recently, which spares a quota slot.
	analyzeInput := buildAnalyzeInput(req, payload)
	analysis, served := o.cachedAnalysis(ctx, run, analyzeInput, req, payload, progress, log)
	if !served {
		out, err := o.executeStage(ctx, run, RoleAnalyzer, analyzeInput, progress, degraded)
		if err != nil {
			return o.failRun(res, req, payload.Summary, started, err, log)
		}
		analysis = out
		o.storeAnalysis(ctx, req, payload, analysis)
	}

	// Stages 2 and 3: the quality gate. When the request does not say how
	// many attempts to allow, the generator agent's configured retry
	// budget decides.
	requested := req.MaxQualityRetries
	if requested <= 0 {
		if gen, ok := o.registry.Get(RoleGenerator); ok && gen.MaxRetries > 0 {
			requested = gen.MaxRetries
		}
	}
	maxAttempts := qualityAttemptCap(requested, health)
	var (
		code     string
		feedback string
		approved bool
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := o.executeStage(ctx, run, RoleGenerator,
			buildGenerateInput(req, analysis, code, feedback), progress, degraded)
		if err != nil {
			return o.failRun(res, req, payload.Summary, started, err, log)
		}
		prevCode := code
		code = out

		review, err := o.executeStage(ctx, run, RoleQualityChecker,
			buildQualityInput(req, analysis, code), progress, degraded)
		if err != nil {
			return o.failRun(res, req, payload.Summary, started, err, log)
		}

		approved = isApproved(review)
		att := QualityAttempt{
			Attempt:          attempt,
			Status:           AttemptRejected,
			GeneratorModel:   modelLabel(run.stage(RoleGenerator)),
			QualityModel:     modelLabel(run.stage(RoleQualityChecker)),
			GeneratedCode:    code,
			ReviewerFeedback: review,
		}
		if approved {
			att.Status = AttemptApproved
		}
		if attempt > 1 {
			att.DiffFromPrevious = parser.DiffLines(prevCode, code)
		}
		res.QualityAttempts = append(res.QualityAttempts, att)

		if approved {
			break
		}
		feedback = review
		run.stage(RoleGenerator).RetryCount++
		log.Info("quality gate rejected attempt",
			zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts))
		if attempt < maxAttempts {
			o.transition(run.stage(RoleQualityChecker), StageRejected, progress)
		}
	}
	if !approved {
		o.transition(run.stage(RoleQualityChecker), StageCompletedWithWarnings, progress)
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"quality gate not satisfied after %d attempts, last feedback: %s",
			maxAttempts, truncateTranscript(feedback)))
	}

	// Stage 4: Harden the latest code, approved or not, then parse the
	// output into file changes.
	hardenFeedback := ""
	if !approved {
		hardenFeedback = feedback
	}
	hardened, err := o.executeStage(ctx, run, RoleEngineer,
		buildHardenInput(req, code, hardenFeedback), progress, degraded)
	if err != nil {
		return o.failRun(res, req, payload.Summary, started, err, log)
	}
	parsed := parser.Parse(hardened, payload.FileMap)
	res.FileChanges = parsed.Changes
	res.FinalCode = finalCode(parsed, hardened)

	// Stage 5: Validate and score.
	validation, err := o.executeStage(ctx, run, RoleValidator,
		buildValidateInput(req, hardened), progress, degraded)
	if err != nil {
		return o.failRun(res, req, payload.Summary, started, err, log)
	}
	res.QualityScore = extractQualityScore(validation)

	res.Success = true
	res.Report = buildReport(res, req, payload.Summary)
	res.DurationMS = o.now().Sub(started).Milliseconds()

	outcome := "completed"
	if len(res.Warnings) > 0 {
		outcome = "completed_with_warnings"
	}
	metrics.Get().RecordRun(outcome, o.now().Sub(started), len(res.QualityAttempts), res.QualityScore)
	log.Info("pipeline run finished",
		zap.Bool("approved", approved),
		zap.Int("attempts", len(res.QualityAttempts)),
		zap.Int("quality_score", res.QualityScore),
		zap.Int("file_changes", len(res.FileChanges)),
		zap.String("parse_tier", string(parsed.Tier)))
	return res
}

// newRun materializes the five stages from the current registry.
func (o *Orchestrator) newRun(res *Result) *runState {
	run := &runState{id: res.RunID}
	for i, role := range StageOrder {
		agent, _ := o.registry.Get(role)
		run.stages = append(run.stages, &Stage{
			ID:     i + 1,
			Name:   stageDisplayName(role),
			Agent:  agent,
			Status: StagePending,
		})
	}
	res.Stages = run.stages
	return run
}

type runState struct {
	id     string
	stages []*Stage
}

func (r *runState) stage(role AgentRole) *Stage {
	for _, st := range r.stages {
		if st.Agent.Role == role {
			return st
		}
	}
	return nil
}

// executeStage runs one stage through the scheduler and walks its
// status transitions, firing the progress callback on each one.
func (o *Orchestrator) executeStage(ctx context.Context, run *runState, role AgentRole, input string, progress ProgressFunc, degraded bool) (string, error) {
	st := run.stage(role)
	st.Input = input
	st.Error = ""
	startedAt := o.now()
	st.StartTime = &startedAt
	st.EndTime = nil
	o.transition(st, StageInProgress, progress)

	out, model, provider, err := o.invoke(ctx, st.Agent, input, degraded, run.id)
	endedAt := o.now()
	st.EndTime = &endedAt

	if err != nil {
		st.Error = err.Error()
		o.transition(st, StageFailed, progress)
		return "", err
	}

	st.Output = out
	st.ModelUsed = model
	st.ProviderUsed = provider
	o.transition(st, StageCompleted, progress)
	metrics.Get().RecordStage(string(role), endedAt.Sub(startedAt))
	return out, nil
}

// invoke submits one completion through the scheduler. The unit of work
// walks the candidate models in order, moving to the next candidate
// only on quota errors, then tries the fallback providers before
// surfacing the quota error.
func (o *Orchestrator) invoke(ctx context.Context, agent AgentConfig, input string, degraded bool, runID string) (string, string, string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: agent.SystemPrompt},
		{Role: llm.RoleUser, Content: input},
	}
	settings := llm.ChatSettings{Temperature: agent.Temperature, MaxTokens: stageMaxTokens}
	candidates := llm.CandidateModels(agent.ModelID, degraded)

	var usedModel, usedProvider string
	work := func(ctx context.Context) (string, error) {
		var lastErr error
		for _, model := range candidates {
			out, err := o.client.Chat(ctx, messages, settings, model)
			if err == nil {
				usedModel, usedProvider = model, o.client.Provider()
				return out, nil
			}
			if !llm.IsQuotaError(err) {
				return "", err
			}
			lastErr = err
			o.log.Warn("model quota-exhausted, trying next candidate",
				zap.String("run_id", runID), zap.String("model", model))
		}
		if o.selector != nil {
			out, name, ferr := o.selector.Try(ctx, messages, settings)
			if ferr == nil {
				usedModel, usedProvider = "", name
				return out, nil
			}
			o.log.Warn("fallback providers failed",
				zap.String("run_id", runID), zap.Error(ferr))
		}
		return "", lastErr
	}

	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	label := fmt.Sprintf("%s:%s", short, agent.Role)
	out, err := o.sched.Schedule(ctx, label, scheduler.PriorityNormal, work)
	if err != nil {
		return "", "", "", err
	}
	return out, usedModel, usedProvider, nil
}

// cachedAnalysis checks the analyze-response cache. On a hit the
// analyzer stage is completed without spending a scheduler slot.
func (o *Orchestrator) cachedAnalysis(ctx context.Context, run *runState, input string, req RunRequest, payload assembler.Payload, progress ProgressFunc, log *zap.Logger) (string, bool) {
	if o.analysisCache == nil {
		return "", false
	}
	cached, err := o.analysisCache.Get(ctx, o.analysisKey(req, payload))
	if err != nil {
		return "", false
	}

	st := run.stage(RoleAnalyzer)
	st.Input = input
	st.Output = cached
	now := o.now()
	st.StartTime = &now
	st.EndTime = &now
	o.transition(st, StageInProgress, progress)
	o.transition(st, StageCompleted, progress)
	log.Info("analysis served from cache")
	return cached, true
}

func (o *Orchestrator) storeAnalysis(ctx context.Context, req RunRequest, payload assembler.Payload, analysis string) {
	if o.analysisCache == nil || analysis == "" {
		return
	}
	o.analysisCache.Set(ctx, o.analysisKey(req, payload), analysis, 0)
}

func (o *Orchestrator) analysisKey(req RunRequest, payload assembler.Payload) string {
	agent, _ := o.registry.Get(RoleAnalyzer)
	return cache.StageKey("analysis", agent.ModelID,
		req.UserPrompt, payload.AggregatedText, req.KnownIssues)
}

// failRun classifies the error, records quota failures into the
// tracker, and returns the partial result with a best-effort report.
func (o *Orchestrator) failRun(res *Result, req RunRequest, contextSummary string, started time.Time, err error, log *zap.Logger) *Result {
	res.Error = err.Error()
	if llm.IsQuotaError(err) {
		o.tracker.RecordFailure()
		res.FailureType = FailureQuota
	} else {
		res.FailureType = FailureOther
	}
	res.Report = buildReport(res, req, contextSummary)
	res.DurationMS = o.now().Sub(started).Milliseconds()
	metrics.Get().RecordRun(string(res.FailureType), o.now().Sub(started), len(res.QualityAttempts), 0)
	log.Error("pipeline run failed",
		zap.String("failure_type", string(res.FailureType)), zap.Error(err))
	return res
}

func (o *Orchestrator) transition(st *Stage, status StageStatus, progress ProgressFunc) {
	st.Status = status
	if progress != nil {
		progress(*st)
	}
}

// qualityAttemptCap derives the quality-gate bound from the caller's
// request and the current quota health. Degraded mode forces a single
// attempt; any recent quota failure caps the loop at two.
func qualityAttemptCap(requested int, health quota.Health) int {
	n := requested
	if n <= 0 {
		n = DefaultQualityAttempts
	}
	if n > MaxQualityAttempts {
		n = MaxQualityAttempts
	}
	if health.Degraded {
		return 1
	}
	if health.RecentFailures > 0 && n > 2 {
		return 2
	}
	return n
}

// finalCode picks the text handed back as the run's final code: the
// single updated file when there is exactly one change, nothing when
// the run produced no changes, otherwise the raw hardened output.
func finalCode(parsed parser.Result, raw string) string {
	switch len(parsed.Changes) {
	case 0:
		return ""
	case 1:
		return parsed.Changes[0].UpdatedContent
	default:
		return raw
	}
}

// modelLabel names what actually produced a stage's output.
func modelLabel(st *Stage) string {
	if st.ModelUsed != "" {
		return st.ModelUsed
	}
	if st.ProviderUsed != "" {
		return "fallback/" + st.ProviderUsed
	}
	return st.Agent.ModelID
}
