package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/metrics"
)

// spawnWorkersLocked starts n worker goroutines. Caller holds the mutex.
func (s *Scheduler) spawnWorkersLocked(n int) {
	for i := 0; i < n; i++ {
		s.liveWorkers++
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// workerLoop pulls ready jobs until the scheduler closes or the pool shrinks
// below this worker's slot.
func (s *Scheduler) workerLoop() {
	defer s.wg.Done()

	for {
		j, ok := s.nextJob()
		if !ok {
			return
		}
		s.runJob(j)
	}
}

// nextJob blocks until a job is ready, the pool shrinks, or the scheduler
// closes. On success the returned job is already marked RUNNING and owned
// exclusively by this worker.
func (s *Scheduler) nextJob() (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed || s.liveWorkers > s.desiredWorkers {
			s.liveWorkers--
			return nil, false
		}

		s.promoteDueLocked()

		for s.ready.Len() > 0 {
			j := heap.Pop(&s.ready).(*job)
			if j.state != domain.JobStateQueued && j.state != domain.JobStateRetrying {
				// Cancelled while waiting; removed lazily.
				continue
			}
			s.startJobLocked(j)
			return j, true
		}

		// Sleep until work arrives, waking early if a delayed retry is due.
		var timer *time.Timer
		if s.delayed.Len() > 0 {
			wait := time.Until(s.delayed.peek().readyAt)
			if wait <= 0 {
				continue
			}
			timer = time.AfterFunc(wait, s.cond.Broadcast)
		}
		s.cond.Wait()
		if timer != nil {
			timer.Stop()
		}
	}
}

// promoteDueLocked merges delayed retries whose backoff has elapsed into the
// ready queue. Their original priority and submission order are preserved.
func (s *Scheduler) promoteDueLocked() {
	now := time.Now()
	for s.delayed.Len() > 0 {
		j := s.delayed.peek()
		if j.readyAt.After(now) {
			return
		}
		heap.Pop(&s.delayed)
		if j.state != domain.JobStateRetrying {
			continue
		}
		heap.Push(&s.ready, j)
	}
}

// startJobLocked marks a job RUNNING and wires up its run context. The
// context doubles as the executor's cooperative cancel handle; a per-job
// timeout is layered on top so an overrun cancels the attempt.
func (s *Scheduler) startJobLocked(j *job) {
	runCtx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel
	j.ctx = runCtx
	if j.timeout > 0 {
		j.ctx, j.attemptCancel = context.WithTimeout(runCtx, j.timeout)
	}

	j.attempt++
	if j.startedAt.IsZero() {
		j.startedAt = time.Now()
	}
	s.transitionLocked(j, domain.JobStateRunning)
}

// runJob executes one attempt outside any scheduler lock. Results flow
// through the cache so identical concurrent jobs collapse into a single
// computation.
func (s *Scheduler) runJob(j *job) {
	start := time.Now()
	report := func(fraction float64, stage string) {
		s.reportProgress(j, fraction, stage)
	}

	var result domain.Result
	var err error
	if s.cache != nil && j.cacheKey != "" {
		var v any
		v, err = s.cache.GetOrCompute(j.ctx, j.cacheKey, s.cfg.ResultTTL, func(ctx context.Context) (any, int64, error) {
			metrics.CacheMissesTotal.Inc()
			res, execErr := s.exec.Execute(ctx, j.spec, report)
			if execErr != nil {
				return nil, 0, execErr
			}
			return res, s.weightFunc(res), nil
		})
		if err == nil {
			result = v.(domain.Result)
			metrics.CacheWeight.Set(float64(s.cache.Weight()))
		}
	} else {
		result, err = s.exec.Execute(j.ctx, j.spec, report)
	}

	s.completeAttempt(j, result, err, time.Since(start))
}

// reportProgress records a progress update from the executing worker.
// Progress is monotonically non-decreasing within an attempt; stale or
// out-of-range values are ignored.
func (s *Scheduler) reportProgress(j *job, fraction float64, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.state != domain.JobStateRunning {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction < j.progress {
		return
	}
	j.progress = fraction
	j.stage = stage
	s.emitLocked(j, domain.EventTypeProgress, "")
}

// completeAttempt resolves one finished attempt into a terminal state or a
// backoff-delayed retry. A single job's failure never propagates beyond its
// own state.
func (s *Scheduler) completeAttempt(j *job, result domain.Result, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctxErr := j.ctx.Err()
	if j.attemptCancel != nil {
		j.attemptCancel()
		j.attemptCancel = nil
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}

	switch {
	case err == nil:
		// If a cancellation raced a successful completion, the first
		// terminal state recorded wins; success landed first.
		res := result
		j.result = &res
		j.progress = 1
		j.stage = ""
		s.transitionLocked(j, domain.JobStateSucceeded)

	default:
		kind := domain.KindOf(err)
		if kind == domain.ErrorKindCanceled && !j.cancelRequested && !s.closed && ctxErr == nil {
			// The cancellation was observed through a shared cache flight
			// owned by another job; this job itself was not cancelled.
			kind = domain.ErrorKindTransient
		}
		if j.cancelRequested || ctxErr == context.Canceled {
			// A pending cancel outranks the error's retry classification;
			// the job never requeues once its own context is cancelled.
			// A deadline overrun is not a cancel and stays retryable.
			kind = domain.ErrorKindCanceled
		}

		switch {
		case kind == domain.ErrorKindCanceled:
			j.errKind = kind
			j.errMsg = err.Error()
			s.transitionLocked(j, domain.JobStateCancelled)

		case kind == domain.ErrorKindTransient && j.attempt < j.maxAttempts:
			j.errKind = kind
			j.errMsg = err.Error()
			j.progress = 0
			j.stage = ""
			delay := s.backoffDelay(j.attempt)
			j.readyAt = time.Now().Add(delay)
			s.retried++
			metrics.JobsRetriedTotal.Inc()
			s.transitionLocked(j, domain.JobStateRetrying)
			heap.Push(&s.delayed, j)
			time.AfterFunc(delay, s.cond.Broadcast)

			s.logger.Warn("Job attempt failed, retrying",
				slog.String("job_id", j.id),
				slog.Int("attempt", j.attempt),
				slog.Int("max_attempts", j.maxAttempts),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)

		default:
			j.errKind = kind
			j.errMsg = err.Error()
			s.transitionLocked(j, domain.JobStateFailed)

			s.logger.Error("Job failed",
				slog.String("job_id", j.id),
				slog.String("error_kind", string(kind)),
				slog.Int("attempt", j.attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.JobDurationSeconds.WithLabelValues(j.spec.Operation, j.state).Observe(elapsed.Seconds())
	s.cond.Broadcast()
}

// backoffDelay computes the exponential retry delay for a finished attempt:
// base << (attempt-1), capped.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	shift := uint(attempt - 1)
	if shift > 20 {
		return s.cfg.BackoffCap
	}
	delay := s.cfg.BackoffBase << shift
	if delay <= 0 || delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}
