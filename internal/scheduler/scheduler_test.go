package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcribe-batch/internal/cache"
	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/executor"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 50 * time.Millisecond
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitForState(t *testing.T, s *Scheduler, jobID, state string) domain.JobSnapshot {
	t.Helper()
	var snap domain.JobSnapshot
	require.Eventually(t, func() bool {
		got, err := s.JobStatus(jobID)
		if err != nil {
			return false
		}
		snap = got
		return got.State == state
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s", jobID, state)
	return snap
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing executor", cfg: Config{Workers: 1}},
		{name: "zero workers", cfg: Config{Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSubmitBatchRunsToCompletion(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers: 2,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			report(0.5, "decode")
			return domain.Result{Payload: []byte(spec.SourceURL)}, nil
		}),
	})

	batchID, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/a.mp4", Operation: domain.OperationTranscribe},
		{SourceURL: "s3://in/b.mp4", Operation: domain.OperationTranslate, TargetLang: "de"},
	})
	require.NoError(t, err)
	require.Len(t, jobIDs, 2)

	for _, id := range jobIDs {
		snap := waitForState(t, s, id, domain.JobStateSucceeded)
		require.NotNil(t, snap.Result)
		assert.Equal(t, snap.Spec.SourceURL, string(snap.Result.Payload))
		assert.Equal(t, 1.0, snap.Progress)
		assert.Equal(t, 1, snap.Attempt)
		assert.False(t, snap.FinishedAt.IsZero())
	}

	require.Eventually(t, func() bool {
		b, err := s.BatchStatus(batchID)
		return err == nil && b.Done
	}, 5*time.Second, 2*time.Millisecond)

	b, err := s.BatchStatus(batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Counts[domain.JobStateSucceeded])
	assert.Equal(t, 1.0, b.Progress)
}

func TestSubmitEmptyBatch(t *testing.T) {
	s := newTestScheduler(t, Config{
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})
	_, _, err := s.SubmitBatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestRetryTransientThenFail(t *testing.T) {
	var calls atomic.Int64
	var mu sync.Mutex
	var callTimes []time.Time

	s := newTestScheduler(t, Config{
		MaxAttempts: 3,
		BackoffBase: 20 * time.Millisecond,
		BackoffCap:  time.Second,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			calls.Add(1)
			mu.Lock()
			callTimes = append(callTimes, time.Now())
			mu.Unlock()
			return domain.Result{}, domain.NewTransientError(fmt.Errorf("gpu node unreachable"))
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/flaky.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	snap := waitForState(t, s, jobIDs[0], domain.JobStateFailed)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 3, snap.Attempt)
	assert.Equal(t, domain.ErrorKindTransient, snap.ErrKind)
	assert.Contains(t, snap.ErrMessage, "gpu node unreachable")
	assert.Equal(t, uint64(2), s.Stats().Retried)

	// Delays grow exponentially from the base: >=20ms then >=40ms.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 3)
	assert.GreaterOrEqual(t, callTimes[1].Sub(callTimes[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, callTimes[2].Sub(callTimes[1]), 40*time.Millisecond)
}

func TestRetryResetsProgress(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, Config{
		MaxAttempts: 2,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			report(0.8, "encode")
			if calls.Add(1) == 1 {
				return domain.Result{}, domain.NewTransientError(fmt.Errorf("stream reset"))
			}
			return domain.Result{Payload: []byte("ok")}, nil
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/retry.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	snap := waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, 1.0, snap.Progress)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, Config{
		MaxAttempts: 5,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			calls.Add(1)
			return domain.Result{}, domain.NewPermanentError(fmt.Errorf("unsupported codec"))
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/bad.mkv", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	snap := waitForState(t, s, jobIDs[0], domain.JobStateFailed)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, domain.ErrorKindPermanent, snap.ErrKind)
	assert.Equal(t, uint64(0), s.Stats().Retried)
}

func TestPriorityDrainOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			mu.Lock()
			order = append(order, spec.SourceURL)
			mu.Unlock()
			<-release
			return domain.Result{}, nil
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "low", Operation: domain.OperationTranscribe, Priority: 1},
		{SourceURL: "high", Operation: domain.OperationTranscribe, Priority: 5},
		{SourceURL: "mid", Operation: domain.OperationTranscribe, Priority: 3},
	})
	require.NoError(t, err)
	close(release)

	for _, id := range jobIDs {
		waitForState(t, s, id, domain.JobStateSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			mu.Lock()
			order = append(order, spec.SourceURL)
			mu.Unlock()
			return domain.Result{}, nil
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "first", Operation: domain.OperationTranscribe},
		{SourceURL: "second", Operation: domain.OperationTranscribe},
		{SourceURL: "third", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	for _, id := range jobIDs {
		waitForState(t, s, id, domain.JobStateSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCancelQueuedJob(t *testing.T) {
	var executed sync.Map
	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			executed.Store(spec.SourceURL, true)
			if spec.SourceURL == "blocker" {
				close(blockerStarted)
				<-release
			}
			return domain.Result{}, nil
		}),
	})

	_, blockerIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "blocker", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-blockerStarted

	_, victimIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "victim", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(victimIDs[0]))
	snap, err := s.JobStatus(victimIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, snap.State)
	assert.Equal(t, domain.ErrorKindCanceled, snap.ErrKind)
	assert.Equal(t, 0, snap.Attempt)

	close(release)
	waitForState(t, s, blockerIDs[0], domain.JobStateSucceeded)

	_, ran := executed.Load("victim")
	assert.False(t, ran, "cancelled queued job must never reach the executor")
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})

	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			close(started)
			<-ctx.Done()
			return domain.Result{}, ctx.Err()
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/long.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(jobIDs[0]))
	snap := waitForState(t, s, jobIDs[0], domain.JobStateCancelled)
	assert.Equal(t, domain.ErrorKindCanceled, snap.ErrKind)
	assert.Equal(t, uint64(1), s.Stats().Cancelled)
}

func TestCancelBatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			once.Do(func() { close(started) })
			select {
			case <-release:
				return domain.Result{}, nil
			case <-ctx.Done():
				return domain.Result{}, ctx.Err()
			}
		}),
	})

	batchID, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "a", Operation: domain.OperationTranscribe},
		{SourceURL: "b", Operation: domain.OperationTranscribe},
		{SourceURL: "c", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Cancel(batchID))
	close(release)

	for _, id := range jobIDs {
		waitForState(t, s, id, domain.JobStateCancelled)
	}
	b, err := s.BatchStatus(batchID)
	require.NoError(t, err)
	assert.True(t, b.Done)
	assert.Equal(t, 3, b.Counts[domain.JobStateCancelled])
}

func TestCancelUnknownID(t *testing.T) {
	s := newTestScheduler(t, Config{
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})
	err := s.Cancel("no-such-id")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFailFastBackpressure(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := newTestScheduler(t, Config{
		Workers:      1,
		QueueDepth:   1,
		Backpressure: BackpressureFailFast,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			if spec.SourceURL == "runner" {
				close(started)
				<-release
			}
			return domain.Result{}, nil
		}),
	})

	_, _, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "runner", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	_, fillerIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "filler", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	before := s.Stats()
	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "rejected", Operation: domain.OperationTranscribe},
	})
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	after := s.Stats()
	assert.Equal(t, before.Submitted, after.Submitted)
	assert.Equal(t, before.Queued, after.Queued)

	close(release)
	waitForState(t, s, fillerIDs[0], domain.JobStateSucceeded)
}

func TestBlockingSubmitWaitsForRoom(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := newTestScheduler(t, Config{
		Workers:      1,
		QueueDepth:   1,
		Backpressure: BackpressureBlock,
		SubmitWait:   2 * time.Second,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			if spec.SourceURL == "runner" {
				close(started)
				<-release
			}
			return domain.Result{}, nil
		}),
	})

	_, _, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "runner", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "filler", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
			{SourceURL: "blocked", Operation: domain.OperationTranscribe},
		})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("submission admitted before room opened: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
}

func TestBlockingSubmitHonorsContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s := newTestScheduler(t, Config{
		Workers:      1,
		QueueDepth:   1,
		Backpressure: BackpressureBlock,
		SubmitWait:   time.Minute,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			if spec.SourceURL == "runner" {
				close(started)
				<-release
			}
			return domain.Result{}, nil
		}),
	})

	_, _, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "runner", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "filler", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = s.SubmitBatch(ctx, []domain.JobSpec{
		{SourceURL: "blocked", Operation: domain.OperationTranscribe},
	})
	assert.Error(t, err)
}

func TestCacheShortCircuitsResubmission(t *testing.T) {
	var calls atomic.Int64
	c := cache.New(cache.Config{Capacity: 1 << 20})
	defer c.Close()

	s := newTestScheduler(t, Config{
		Cache:     c,
		ResultTTL: time.Minute,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			calls.Add(1)
			return domain.Result{Payload: []byte("transcript")}, nil
		}),
	})

	spec := domain.JobSpec{SourceURL: "s3://in/same.mp4", Operation: domain.OperationTranscribe, Model: "large-v3"}

	_, firstIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{spec})
	require.NoError(t, err)
	waitForState(t, s, firstIDs[0], domain.JobStateSucceeded)

	_, secondIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{spec})
	require.NoError(t, err)

	snap, err := s.JobStatus(secondIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "transcript", string(snap.Result.Payload))
	assert.Equal(t, int64(1), calls.Load(), "identical resubmission must reuse the cached result")
}

func TestCacheSingleFlightAcrossJobs(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	c := cache.New(cache.Config{Capacity: 1 << 20})
	defer c.Close()

	s := newTestScheduler(t, Config{
		Workers:   2,
		Cache:     c,
		ResultTTL: time.Minute,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			calls.Add(1)
			<-release
			return domain.Result{Payload: []byte("shared")}, nil
		}),
	})

	spec := domain.JobSpec{SourceURL: "s3://in/dup.mp4", Operation: domain.OperationTranscribe}
	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{spec, spec})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Stats().Running == 2
	}, 5*time.Second, 2*time.Millisecond)
	close(release)

	for _, id := range jobIDs {
		snap := waitForState(t, s, id, domain.JobStateSucceeded)
		require.NotNil(t, snap.Result)
		assert.Equal(t, "shared", string(snap.Result.Payload))
	}
	assert.Equal(t, int64(1), calls.Load(), "concurrent identical jobs must share one computation")
}

func TestJobTimeoutRetriesThenFails(t *testing.T) {
	var calls atomic.Int64
	s := newTestScheduler(t, Config{
		MaxAttempts: 2,
		JobTimeout:  15 * time.Millisecond,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			calls.Add(1)
			<-ctx.Done()
			return domain.Result{}, ctx.Err()
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/slow.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	snap := waitForState(t, s, jobIDs[0], domain.JobStateFailed)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, domain.ErrorKindTransient, snap.ErrKind)
}

func TestSetPoolSizeGrowAndShrink(t *testing.T) {
	s := newTestScheduler(t, Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})

	require.NoError(t, s.SetPoolSize(4))
	require.Eventually(t, func() bool {
		return s.Stats().Workers == 4
	}, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, s.SetPoolSize(1))
	require.Eventually(t, func() bool {
		return s.Stats().Workers == 1
	}, 5*time.Second, 2*time.Millisecond)

	assert.Error(t, s.SetPoolSize(0))
}

func TestPoolParallelism(t *testing.T) {
	const jobDuration = 50 * time.Millisecond

	s := newTestScheduler(t, Config{
		Workers: 2,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			time.Sleep(jobDuration)
			return domain.Result{}, nil
		}),
	})

	start := time.Now()
	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "1", Operation: domain.OperationTranscribe},
		{SourceURL: "2", Operation: domain.OperationTranscribe},
		{SourceURL: "3", Operation: domain.OperationTranscribe},
		{SourceURL: "4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	for _, id := range jobIDs {
		waitForState(t, s, id, domain.JobStateSucceeded)
	}

	// Four jobs on two workers take at least two rounds.
	assert.GreaterOrEqual(t, time.Since(start), 2*jobDuration)
}

func TestSubscribeReceivesOrderedLifecycle(t *testing.T) {
	var mu sync.Mutex
	var events []domain.Event

	s := newTestScheduler(t, Config{
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			report(0.5, "transcribe")
			return domain.Result{}, nil
		}),
	})

	subID := s.Subscribe(func(ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer s.Unsubscribe(subID)

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/ev.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)

	var states []string
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		states = states[:0]
		for _, ev := range events {
			if ev.Type == domain.EventTypeState {
				states = append(states, ev.State)
			}
		}
		return len(states) == 3
	}, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, []string{
		domain.JobStateQueued,
		domain.JobStateRunning,
		domain.JobStateSucceeded,
	}, states)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "event sequence numbers must increase")
	}
	for _, ev := range events {
		assert.Equal(t, jobIDs[0], ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var count atomic.Int64

	s := newTestScheduler(t, Config{
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})

	subID := s.Subscribe(func(ev domain.Event) { count.Add(1) })

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "a", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)

	require.Eventually(t, func() bool {
		return count.Load() >= 3
	}, 5*time.Second, 2*time.Millisecond)
	s.Unsubscribe(subID)
	settled := count.Load()

	_, jobIDs, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "b", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)

	assert.Equal(t, settled, count.Load())
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	s, err := New(Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx), "close is idempotent")

	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "late", Operation: domain.OperationTranscribe},
	})
	assert.ErrorIs(t, err, domain.ErrSchedulerClosed)
	assert.ErrorIs(t, s.SetPoolSize(2), domain.ErrSchedulerClosed)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})

	s, err := New(Config{
		Workers: 1,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			close(started)
			<-ctx.Done()
			return domain.Result{}, ctx.Err()
		}),
	})
	require.NoError(t, err)

	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/forever.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Close(ctx))
}

func TestRetentionJanitorPrunes(t *testing.T) {
	s := newTestScheduler(t, Config{
		RetentionWindow: 20 * time.Millisecond,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})

	batchID, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/old.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)

	require.Eventually(t, func() bool {
		_, err := s.JobStatus(jobIDs[0])
		return err != nil
	}, 5*time.Second, 5*time.Millisecond, "terminal job should age out")

	_, err = s.BatchStatus(batchID)
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestCancelRunningJobOverridesRetry(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	s := newTestScheduler(t, Config{
		MaxAttempts: 3,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				return domain.Result{}, domain.NewTransientError(fmt.Errorf("connection dropped mid-upload"))
			}
			return domain.Result{Payload: []byte("too late")}, nil
		}),
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/a.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Cancel(jobIDs[0]))
	close(release)

	snap := waitForState(t, s, jobIDs[0], domain.JobStateCancelled)
	assert.Equal(t, domain.ErrorKindCanceled, snap.ErrKind)

	// The attempt that observed the cancel must be the last one.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSubscriberOverflowShedsOnlyProgress(t *testing.T) {
	const progressReports = 10

	s := newTestScheduler(t, Config{
		SubscriberBuffer: 2,
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			for i := 1; i <= progressReports; i++ {
				report(float64(i)/progressReports, "decode")
			}
			return domain.Result{}, nil
		}),
	})

	// The gate stalls the consumer so events pile up in the buffer.
	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate()

	var mu sync.Mutex
	var got []domain.Event
	s.Subscribe(func(ev domain.Event) {
		<-gate
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	_, jobIDs, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/a.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)

	waitForState(t, s, jobIDs[0], domain.JobStateSucceeded)
	openGate()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range got {
			if ev.Type == domain.EventTypeState && ev.State == domain.JobStateSucceeded {
				return true
			}
		}
		return false
	}, 5*time.Second, 2*time.Millisecond, "terminal event never delivered")

	mu.Lock()
	defer mu.Unlock()
	var states []string
	progressCount := 0
	for _, ev := range got {
		switch ev.Type {
		case domain.EventTypeState:
			states = append(states, ev.State)
		case domain.EventTypeProgress:
			progressCount++
		}
	}
	assert.Equal(t, []string{domain.JobStateQueued, domain.JobStateRunning, domain.JobStateSucceeded}, states,
		"every state event survives overflow, in order")
	assert.Less(t, progressCount, progressReports, "overflow sheds progress events")
}

func TestDuplicateJobIDRejectsWholeBatch(t *testing.T) {
	s := newTestScheduler(t, Config{
		Executor: executor.Func(func(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
			return domain.Result{}, nil
		}),
	})

	ids := []string{"job-a", "job-b", "job-a"}
	var next int
	s.mu.Lock()
	s.newID = func() string {
		id := ids[next]
		next++
		return id
	}
	s.mu.Unlock()

	_, first, err := s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/a.mp4", Operation: domain.OperationTranscribe},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"job-a"}, first)

	_, _, err = s.SubmitBatch(context.Background(), []domain.JobSpec{
		{SourceURL: "s3://in/b.mp4", Operation: domain.OperationTranscribe},
		{SourceURL: "s3://in/c.mp4", Operation: domain.OperationTranscribe},
	})
	require.ErrorIs(t, err, domain.ErrDuplicateJob)

	// Nothing from the rejected batch was admitted, id collision included.
	_, err = s.JobStatus("job-b")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.EqualValues(t, 1, s.Stats().Submitted)
}
