// Package scheduler serializes provider calls through a priority queue with
// sliding-window rate limits. Quota failures are retried at the front of the
// queue with the provider's retry hint; everything else fails fast.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeflow/internal/llm"
	"forgeflow/internal/logging"
	"forgeflow/internal/metrics"
)

// Priority orders queued requests. Within a priority the queue is FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// UnitOfWork is a single schedulable provider call.
type UnitOfWork func(ctx context.Context) (string, error)

var (
	ErrQueueFull = errors.New("scheduler queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
	ErrCancelled = errors.New("request cancelled")
)

const backoffBase = time.Second

// Config tunes queue capacity, rate windows, and retry behavior.
type Config struct {
	RequestsPerMinute int
	RequestsPerDay    int
	MaxRetries        int
	MaxRetryDelay     time.Duration
	TickInterval      time.Duration
	MaxQueueDepth     int
}

// DefaultConfig matches the free-tier limits of the primary provider.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 15,
		RequestsPerDay:    1500,
		MaxRetries:        3,
		MaxRetryDelay:     30 * time.Second,
		TickInterval:      250 * time.Millisecond,
		MaxQueueDepth:     100,
	}
}

type outcome struct {
	text string
	err  error
}

type entry struct {
	id         string
	label      string
	priority   Priority
	work       UnitOfWork
	ctx        context.Context
	notBefore  time.Time
	retryCount int
	done       chan outcome
	once       sync.Once
}

func (e *entry) resolve(text string, err error) {
	e.once.Do(func() { e.done <- outcome{text: text, err: err} })
}

// Pending is a handle to a submitted request.
type Pending struct {
	ID string
	e  *entry
}

// Wait blocks until the request finishes or ctx is done. Wait may be called
// at most once per Pending.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-p.e.done:
		return out.text, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Snapshot is a point-in-time view of queue and window state.
type Snapshot struct {
	QueueDepth         int              `json:"queue_depth"`
	Executing          int              `json:"executing"`
	RequestsLastMinute int              `json:"requests_last_minute"`
	RequestsLastDay    int              `json:"requests_last_day"`
	MinuteLimit        int              `json:"minute_limit"`
	DayLimit           int              `json:"day_limit"`
	QueuedByPriority   map[Priority]int `json:"queued_by_priority"`
}

// Scheduler is shared by all pipeline runs so the process respects one global
// provider budget.
type Scheduler struct {
	cfg Config

	mu           sync.Mutex
	queue        []*entry
	executing    map[string]bool
	minuteWindow []time.Time
	dayWindow    []time.Time
	listeners    []EventListener
	stopped      bool
	running      bool

	now    func() time.Time
	log    *zap.Logger
	stopCh chan struct{}
	loopWG sync.WaitGroup
	workWG sync.WaitGroup
}

// New creates a scheduler. Zero config fields fall back to defaults.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.RequestsPerDay <= 0 {
		cfg.RequestsPerDay = def.RequestsPerDay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}

	return &Scheduler{
		cfg:       cfg,
		executing: make(map[string]bool),
		now:       time.Now,
		log:       logging.Named("scheduler"),
	}
}

// OnEvent registers a lifecycle event listener.
func (s *Scheduler) OnEvent(fn EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.loop()
	s.log.Info("scheduler started",
		zap.Int("requests_per_minute", s.cfg.RequestsPerMinute),
		zap.Int("requests_per_day", s.cfg.RequestsPerDay),
		zap.Duration("tick", s.cfg.TickInterval),
	)
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain()
		}
	}
}

// Stop halts dispatch, waits for in-flight work, and fails everything still
// queued with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	abandoned := s.queue
	s.queue = nil
	s.publishGaugesLocked()
	s.mu.Unlock()

	if wasRunning {
		close(s.stopCh)
		s.loopWG.Wait()
	}
	s.workWG.Wait()

	for _, e := range abandoned {
		e.resolve("", ErrStopped)
		s.emit(Event{Type: EventCancelled, RequestID: e.id, Label: e.label, Priority: e.priority, Error: ErrStopped.Error()})
		metrics.Get().RecordFinished("cancelled", 0)
	}
	s.log.Info("scheduler stopped", zap.Int("abandoned", len(abandoned)))
}

// Submit enqueues work without blocking. The queued event carries the 1-based
// queue position.
func (s *Scheduler) Submit(ctx context.Context, label string, priority Priority, work UnitOfWork) (*Pending, error) {
	if work == nil {
		return nil, errors.New("unit of work is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if priority != PriorityHigh && priority != PriorityNormal && priority != PriorityLow {
		priority = PriorityNormal
	}

	e := &entry{
		id:       uuid.New().String(),
		label:    label,
		priority: priority,
		work:     work,
		ctx:      ctx,
		done:     make(chan outcome, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if len(s.queue) >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	pos := s.insertLocked(e)
	s.publishGaugesLocked()
	s.mu.Unlock()

	metrics.Get().RecordQueued(string(priority))
	s.emit(Event{Type: EventQueued, RequestID: e.id, Label: label, Priority: priority, Position: pos})
	return &Pending{ID: e.id, e: e}, nil
}

// Schedule enqueues work and blocks until it finishes or ctx is done.
func (s *Scheduler) Schedule(ctx context.Context, label string, priority Priority, work UnitOfWork) (string, error) {
	p, err := s.Submit(ctx, label, priority, work)
	if err != nil {
		return "", err
	}
	return p.Wait(ctx)
}

// Cancel removes a still-queued request. Returns false if the request is
// already executing, finished, or unknown.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	for i, e := range s.queue {
		if e.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.publishGaugesLocked()
			s.mu.Unlock()

			e.resolve("", ErrCancelled)
			s.emit(Event{Type: EventCancelled, RequestID: e.id, Label: e.label, Priority: e.priority})
			metrics.Get().RecordFinished("cancelled", 0)
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Metrics returns a snapshot of queue depth and window usage.
func (s *Scheduler) Metrics() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneWindowsLocked(s.now())

	byPriority := make(map[Priority]int)
	for _, e := range s.queue {
		byPriority[e.priority]++
	}

	return Snapshot{
		QueueDepth:         len(s.queue),
		Executing:          len(s.executing),
		RequestsLastMinute: len(s.minuteWindow),
		RequestsLastDay:    len(s.dayWindow),
		MinuteLimit:        s.cfg.RequestsPerMinute,
		DayLimit:           s.cfg.RequestsPerDay,
		QueuedByPriority:   byPriority,
	}
}

// insertLocked places e before the first strictly-lower-priority entry,
// keeping FIFO order within each priority band. Returns the 1-based position.
func (s *Scheduler) insertLocked(e *entry) int {
	idx := len(s.queue)
	for i, existing := range s.queue {
		if existing.priority.rank() > e.priority.rank() {
			idx = i
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = e
	return idx + 1
}

// drain admits queued work while the head is eligible and both windows have
// capacity. A head entry whose notBefore is in the future blocks everything
// behind it; skipping it would reorder retries.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.publishGaugesLocked()
			s.mu.Unlock()
			return
		}

		now := s.now()
		s.pruneWindowsLocked(now)

		head := s.queue[0]
		if head.ctx.Err() != nil {
			s.queue = s.queue[1:]
			s.publishGaugesLocked()
			s.mu.Unlock()

			head.resolve("", head.ctx.Err())
			s.emit(Event{Type: EventCancelled, RequestID: head.id, Label: head.label, Priority: head.priority, Error: head.ctx.Err().Error()})
			metrics.Get().RecordFinished("cancelled", 0)
			continue
		}
		if head.notBefore.After(now) {
			s.publishGaugesLocked()
			s.mu.Unlock()
			return
		}
		if len(s.minuteWindow) >= s.cfg.RequestsPerMinute || len(s.dayWindow) >= s.cfg.RequestsPerDay {
			s.publishGaugesLocked()
			s.mu.Unlock()
			return
		}

		// Usage counts from execution start, not completion.
		s.queue = s.queue[1:]
		s.minuteWindow = append(s.minuteWindow, now)
		s.dayWindow = append(s.dayWindow, now)
		s.executing[head.id] = true
		s.publishGaugesLocked()
		s.workWG.Add(1)
		s.mu.Unlock()

		go s.run(head)
	}
}

func (s *Scheduler) run(e *entry) {
	defer s.workWG.Done()

	start := s.now()
	s.emit(Event{Type: EventExecuting, RequestID: e.id, Label: e.label, Priority: e.priority})

	text, err := e.work(e.ctx)
	duration := s.now().Sub(start)

	s.mu.Lock()
	delete(s.executing, e.id)
	s.mu.Unlock()

	m := metrics.Get()
	switch {
	case err == nil:
		e.resolve(text, nil)
		m.RecordFinished("completed", duration)
		s.emit(Event{Type: EventCompleted, RequestID: e.id, Label: e.label, Priority: e.priority, DurationMS: duration.Milliseconds()})

	case llm.IsQuotaError(err) && e.retryCount < s.cfg.MaxRetries:
		delay := s.retryDelay(err, e.retryCount)
		e.retryCount++
		e.priority = PriorityHigh
		e.notBefore = s.now().Add(delay)

		s.mu.Lock()
		requeued := !s.stopped
		if requeued {
			s.queue = append([]*entry{e}, s.queue...)
			s.publishGaugesLocked()
		}
		s.mu.Unlock()

		if !requeued {
			e.resolve("", err)
			m.RecordFinished("error", duration)
			s.emit(Event{Type: EventError, RequestID: e.id, Label: e.label, Priority: e.priority, Error: err.Error()})
			return
		}

		m.SchedulerRetriesTotal.Inc()
		m.RecordFinished("rate_limited", duration)
		s.log.Warn("rate limited, retrying at front of queue",
			zap.String("request_id", e.id),
			zap.String("label", e.label),
			zap.Int("retry", e.retryCount),
			zap.Duration("delay", delay),
		)
		s.emit(Event{Type: EventRateLimited, RequestID: e.id, Label: e.label, Priority: e.priority, RetryInSeconds: int(delay.Seconds())})

	default:
		e.resolve("", err)
		m.RecordFinished("error", duration)
		s.emit(Event{Type: EventError, RequestID: e.id, Label: e.label, Priority: e.priority, Error: err.Error()})
	}
}

// retryDelay honors the provider's retry hint when present, otherwise backs
// off exponentially. Both paths cap at MaxRetryDelay.
func (s *Scheduler) retryDelay(err error, retryCount int) time.Duration {
	if hinted, ok := llm.ParseRetryAfter(err); ok && hinted > 0 {
		if hinted > s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
		return hinted
	}

	delay := backoffBase << uint(retryCount)
	if delay > s.cfg.MaxRetryDelay {
		return s.cfg.MaxRetryDelay
	}
	return delay
}

func (s *Scheduler) pruneWindowsLocked(now time.Time) {
	minuteCutoff := now.Add(-time.Minute)
	kept := s.minuteWindow[:0]
	for _, ts := range s.minuteWindow {
		if ts.After(minuteCutoff) {
			kept = append(kept, ts)
		}
	}
	s.minuteWindow = kept

	dayCutoff := now.Add(-24 * time.Hour)
	keptDay := s.dayWindow[:0]
	for _, ts := range s.dayWindow {
		if ts.After(dayCutoff) {
			keptDay = append(keptDay, ts)
		}
	}
	s.dayWindow = keptDay
}

func (s *Scheduler) publishGaugesLocked() {
	m := metrics.Get()
	m.SchedulerQueueDepth.Set(float64(len(s.queue)))
	m.SetWindowUsage(len(s.minuteWindow), len(s.dayWindow))
}

func (s *Scheduler) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	s.mu.Lock()
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
