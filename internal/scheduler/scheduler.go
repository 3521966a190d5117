// Package scheduler owns the job set, the prioritized queue, and the worker
// pool. It exposes submit/cancel/query/subscribe and aggregates batch-level
// progress. All shared state is mutated only through its API.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/transcribe-batch/internal/cache"
	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/executor"
	"github.com/cuongbtq/transcribe-batch/internal/metrics"
)

// Backpressure policies applied when the queue is at its configured depth.
const (
	BackpressureBlock    = "block"
	BackpressureFailFast = "fail-fast"
)

// Config holds scheduler construction parameters.
type Config struct {
	// Executor performs the actual work. Required.
	Executor executor.Executor

	// KeyFunc derives cache keys; nil uses executor.DefaultKeyFunc.
	KeyFunc executor.KeyFunc

	// WeightFunc estimates result cache weight; nil uses executor.DefaultWeightFunc.
	WeightFunc executor.WeightFunc

	// Cache is the shared result cache. Nil disables result reuse.
	Cache *cache.Cache

	// Workers is the initial pool size. Must be >= 1.
	Workers int

	// QueueDepth bounds the number of waiting jobs. Zero means unbounded.
	QueueDepth int

	// Backpressure selects the reaction to a full queue: BackpressureBlock
	// waits up to SubmitWait for room, BackpressureFailFast rejects
	// immediately. Default is fail-fast.
	Backpressure string

	// SubmitWait bounds how long a blocked submission waits for queue room.
	SubmitWait time.Duration

	// MaxAttempts is the default total attempt budget per job. Minimum 1.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// JobTimeout is the default per-job wall-clock limit. Zero disables it.
	JobTimeout time.Duration

	// ResultTTL is handed to the cache for installed results.
	ResultTTL time.Duration

	// RetentionWindow keeps terminal jobs queryable before the janitor
	// discards them. Zero retains them forever.
	RetentionWindow time.Duration

	// SubscriberBuffer bounds each subscriber's pending event queue.
	SubscriberBuffer int

	Logger *slog.Logger
}

// job is the scheduler's mutable view of one unit of work. All fields are
// guarded by the scheduler mutex; the executor only ever sees the immutable
// spec and the run context.
type job struct {
	id       string
	batchID  string
	spec     domain.JobSpec
	cacheKey string

	priority    int
	seq         uint64
	state       string
	attempt     int
	maxAttempts int
	timeout     time.Duration

	progress float64
	stage    string

	result  *domain.Result
	errKind domain.ErrorKind
	errMsg  string

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	readyAt    time.Time

	cancelRequested bool
	ctx             context.Context
	cancel          context.CancelFunc
	attemptCancel   context.CancelFunc
}

type batch struct {
	id        string
	jobIDs    []string
	counts    map[string]int
	createdAt time.Time
}

// Stats is an aggregate counter snapshot for observability surfaces.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Retried   uint64 `json:"retried"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Workers   int    `json:"workers"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg        Config
	logger     *slog.Logger
	exec       executor.Executor
	keyFunc    executor.KeyFunc
	weightFunc executor.WeightFunc
	cache      *cache.Cache
	newID      func() string // job id source, overridden by tests

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*job
	batches map[string]*batch
	ready   readyQueue
	delayed delayQueue
	nextSeq uint64
	queued  int // jobs in QUEUED or RETRYING state
	running int

	desiredWorkers int
	liveWorkers    int

	closed     bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup // workers and janitor
	subWg      sync.WaitGroup // subscriber dispatchers

	subsMu    sync.Mutex
	subs      map[uint64]*subscription
	nextSubID uint64
	eventSeq  atomic.Int64

	submitted uint64
	succeeded uint64
	failed    uint64
	cancelled uint64
	retried   uint64

	janitorStop chan struct{}
}

// New validates the configuration and starts the worker pool.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("scheduler: executor is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("scheduler: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 0 {
		return nil, fmt.Errorf("scheduler: queue depth must not be negative, got %d", cfg.QueueDepth)
	}
	switch cfg.Backpressure {
	case "":
		cfg.Backpressure = BackpressureFailFast
	case BackpressureBlock, BackpressureFailFast:
	default:
		return nil, fmt.Errorf("scheduler: unknown backpressure policy %q", cfg.Backpressure)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.SubmitWait <= 0 {
		cfg.SubmitWait = 5 * time.Second
	}
	if cfg.SubscriberBuffer < 1 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = executor.DefaultKeyFunc
	}
	if cfg.WeightFunc == nil {
		cfg.WeightFunc = executor.DefaultWeightFunc
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:            cfg,
		logger:         cfg.Logger,
		exec:           cfg.Executor,
		keyFunc:        cfg.KeyFunc,
		weightFunc:     cfg.WeightFunc,
		cache:          cfg.Cache,
		newID:          func() string { return uuid.New().String() },
		jobs:           make(map[string]*job),
		batches:        make(map[string]*batch),
		desiredWorkers: cfg.Workers,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		subs:           make(map[uint64]*subscription),
	}
	s.cond = sync.NewCond(&s.mu)

	s.mu.Lock()
	s.spawnWorkersLocked(cfg.Workers)
	s.mu.Unlock()
	metrics.PoolSize.Set(float64(cfg.Workers))

	if cfg.RetentionWindow > 0 {
		s.janitorStop = make(chan struct{})
		s.wg.Add(1)
		go s.janitorLoop()
	}

	s.logger.Info("Scheduler started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_depth", cfg.QueueDepth),
		slog.String("backpressure", cfg.Backpressure),
	)

	return s, nil
}

// SubmitBatch creates one job per spec, consults the result cache for
// short-circuits, enqueues the rest, and returns immediately. Admission is
// atomic: either every job enters the queue or an error is returned with no
// state mutated.
func (s *Scheduler) SubmitBatch(ctx context.Context, specs []domain.JobSpec) (string, []string, error) {
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("scheduler: empty batch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", nil, domain.ErrSchedulerClosed
	}

	if err := s.admitLocked(ctx, len(specs)); err != nil {
		metrics.SubmissionsRejectedTotal.Inc()
		return "", nil, err
	}

	// Resolve every job id before touching any state so a rejected batch
	// leaves nothing behind.
	ids := make([]string, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i := range specs {
		id := s.newID()
		_, taken := s.jobs[id]
		if _, dup := seen[id]; taken || dup {
			return "", nil, fmt.Errorf("%w: %s", domain.ErrDuplicateJob, id)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}

	b := &batch{
		id:        uuid.New().String(),
		jobIDs:    make([]string, 0, len(specs)),
		counts:    make(map[string]int),
		createdAt: time.Now(),
	}
	s.batches[b.id] = b

	for i, spec := range specs {
		j := &job{
			id:          ids[i],
			batchID:     b.id,
			spec:        spec,
			cacheKey:    s.keyFunc(spec),
			priority:    spec.Priority,
			seq:         s.nextSeq,
			maxAttempts: s.cfg.MaxAttempts,
			timeout:     s.cfg.JobTimeout,
			createdAt:   time.Now(),
		}
		s.nextSeq++
		if spec.MaxAttempts > 0 {
			j.maxAttempts = spec.MaxAttempts
		}
		if spec.Timeout > 0 {
			j.timeout = spec.Timeout
		}

		s.jobs[j.id] = j
		b.jobIDs = append(b.jobIDs, j.id)

		s.submitted++
		metrics.JobsSubmittedTotal.Inc()

		// A live cached result short-circuits the job entirely.
		if s.cache != nil && j.cacheKey != "" {
			if v, ok := s.cache.Peek(j.cacheKey); ok {
				res := v.(domain.Result)
				s.transitionLocked(j, domain.JobStateQueued)
				j.result = &res
				j.progress = 1
				metrics.CacheHitsTotal.Inc()
				s.transitionLocked(j, domain.JobStateSucceeded)
				continue
			}
		}

		s.transitionLocked(j, domain.JobStateQueued)
		heap.Push(&s.ready, j)
	}

	s.cond.Broadcast()

	s.logger.Info("Batch submitted",
		slog.String("batch_id", b.id),
		slog.Int("jobs", len(b.jobIDs)),
	)

	return b.id, append([]string(nil), b.jobIDs...), nil
}

// admitLocked enforces the queue-depth backpressure policy for n new jobs.
func (s *Scheduler) admitLocked(ctx context.Context, n int) error {
	if s.cfg.QueueDepth == 0 {
		return nil
	}
	if s.queued+n <= s.cfg.QueueDepth {
		return nil
	}
	if s.cfg.Backpressure == BackpressureFailFast {
		return domain.ErrQueueFull
	}

	deadline := time.Now().Add(s.cfg.SubmitWait)
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	for s.queued+n > s.cfg.QueueDepth {
		if s.closed {
			return domain.ErrSchedulerClosed
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", domain.ErrQueueFull, ctx.Err())
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.ErrQueueFull
		}
		timer := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		timer.Stop()
	}
	return nil
}

// Cancel cancels a job or, when given a batch id, every job in the batch.
// Queued and backoff-delayed jobs become CANCELLED immediately with zero
// executor invocations; running jobs get a cooperative cancellation signal
// and settle on whichever terminal state the executor resolves first.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		s.cancelJobLocked(j)
		return nil
	}
	if b, ok := s.batches[id]; ok {
		for _, jobID := range b.jobIDs {
			if j, ok := s.jobs[jobID]; ok {
				s.cancelJobLocked(j)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
}

func (s *Scheduler) cancelJobLocked(j *job) {
	switch j.state {
	case domain.JobStateQueued, domain.JobStateRetrying:
		j.errKind = domain.ErrorKindCanceled
		s.transitionLocked(j, domain.JobStateCancelled)
		s.cond.Broadcast()
	case domain.JobStateRunning:
		j.cancelRequested = true
		if j.cancel != nil {
			j.cancel()
		}
	}
}

// JobStatus returns a read-only snapshot of one job. It never blocks on
// in-progress work.
func (s *Scheduler) JobStatus(id string) (domain.JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.JobSnapshot{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return snapshotLocked(j), nil
}

// BatchStatus aggregates per-state counts and overall progress for a batch.
func (s *Scheduler) BatchStatus(id string) (domain.BatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return domain.BatchSnapshot{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}

	snap := domain.BatchSnapshot{
		ID:        b.id,
		JobIDs:    append([]string(nil), b.jobIDs...),
		Counts:    make(map[string]int, len(b.counts)),
		Done:      true,
		CreatedAt: b.createdAt,
	}
	for state, n := range b.counts {
		snap.Counts[state] = n
	}

	var sum float64
	var known int
	for _, jobID := range b.jobIDs {
		j, ok := s.jobs[jobID]
		if !ok {
			// Pruned by the retention janitor; terminal by definition.
			sum++
			known++
			continue
		}
		known++
		if domain.IsTerminalState(j.state) {
			sum++
		} else {
			snap.Done = false
			sum += j.progress
		}
	}
	if known > 0 {
		snap.Progress = sum / float64(known)
	}
	return snap, nil
}

// Stats returns aggregate scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Submitted: s.submitted,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		Retried:   s.retried,
		Queued:    s.queued,
		Running:   s.running,
		Workers:   s.liveWorkers,
	}
}

// SetPoolSize adjusts the worker count at runtime. Growing spawns workers
// immediately; shrinking lets in-flight workers finish their current job
// before exiting.
func (s *Scheduler) SetPoolSize(n int) error {
	if n < 1 {
		return fmt.Errorf("scheduler: pool size must be >= 1, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSchedulerClosed
	}

	s.desiredWorkers = n
	if s.liveWorkers < n {
		s.spawnWorkersLocked(n - s.liveWorkers)
	}
	s.cond.Broadcast()
	metrics.PoolSize.Set(float64(n))

	s.logger.Info("Pool size changed", slog.Int("workers", n))
	return nil
}

// SetCacheCapacity changes the result cache weight budget.
func (s *Scheduler) SetCacheCapacity(capacity int64) error {
	if s.cache == nil {
		return fmt.Errorf("scheduler: no result cache configured")
	}
	if capacity <= 0 {
		return fmt.Errorf("scheduler: cache capacity must be positive, got %d", capacity)
	}
	s.cache.SetCapacity(capacity)
	metrics.CacheWeight.Set(float64(s.cache.Weight()))
	return nil
}

// ClearCache removes all cached results.
func (s *Scheduler) ClearCache() error {
	if s.cache == nil {
		return fmt.Errorf("scheduler: no result cache configured")
	}
	s.cache.Clear()
	metrics.CacheWeight.Set(0)
	return nil
}

// Close stops intake, signals cancellation to running jobs, and waits for
// workers and dispatchers to drain, bounded by ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.baseCancel()
	if s.janitorStop != nil {
		close(s.janitorStop)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("scheduler: shutdown wait aborted: %w", ctx.Err())
	}

	// Workers have drained, so every terminal event is already buffered;
	// closing lets the dispatchers flush and exit.
	s.closeSubscriptions()
	s.subWg.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

// transitionLocked applies a state change, maintains counters and batch
// tallies, and emits the ordered state event.
func (s *Scheduler) transitionLocked(j *job, to string) {
	from := j.state
	j.state = to

	if from == domain.JobStateQueued || from == domain.JobStateRetrying {
		s.queued--
		// Queue room opened; wake any submission blocked on backpressure.
		s.cond.Broadcast()
	}
	if to == domain.JobStateQueued || to == domain.JobStateRetrying {
		s.queued++
	}
	if from == domain.JobStateRunning {
		s.running--
	}
	if to == domain.JobStateRunning {
		s.running++
	}

	if b, ok := s.batches[j.batchID]; ok {
		if from != "" {
			b.counts[from]--
			if b.counts[from] <= 0 {
				delete(b.counts, from)
			}
		}
		b.counts[to]++
	}

	if domain.IsTerminalState(to) {
		j.finishedAt = time.Now()
		switch to {
		case domain.JobStateSucceeded:
			s.succeeded++
		case domain.JobStateFailed:
			s.failed++
		case domain.JobStateCancelled:
			s.cancelled++
		}
		metrics.JobsCompletedTotal.WithLabelValues(to).Inc()
	}

	metrics.QueueLength.Set(float64(s.queued))
	metrics.RunningJobs.Set(float64(s.running))

	s.emitLocked(j, domain.EventTypeState, from)
}

func snapshotLocked(j *job) domain.JobSnapshot {
	snap := domain.JobSnapshot{
		ID:          j.id,
		BatchID:     j.batchID,
		Spec:        j.spec,
		State:       j.state,
		Priority:    j.priority,
		Attempt:     j.attempt,
		MaxAttempts: j.maxAttempts,
		Progress:    j.progress,
		Stage:       j.stage,
		ErrKind:     j.errKind,
		ErrMessage:  j.errMsg,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.result != nil {
		snap.Result = j.result
	}
	return snap
}

// janitorLoop prunes terminal jobs past the retention window, and batches
// whose jobs are all pruned.
func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()

	interval := s.cfg.RetentionWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *Scheduler) pruneExpired() {
	cutoff := time.Now().Add(-s.cfg.RetentionWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, j := range s.jobs {
		if domain.IsTerminalState(j.state) && !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		}
	}
	if pruned == 0 {
		return
	}

	for id, b := range s.batches {
		remaining := false
		for _, jobID := range b.jobIDs {
			if _, ok := s.jobs[jobID]; ok {
				remaining = true
				break
			}
		}
		if !remaining {
			delete(s.batches, id)
		}
	}

	s.logger.Debug("Retention janitor pruned terminal jobs", slog.Int("pruned", pruned))
}
