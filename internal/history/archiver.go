package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

// Recorder persists terminal job snapshots.
type Recorder interface {
	RecordJob(ctx context.Context, snap domain.JobSnapshot) error
}

// StatusSource resolves a job id to its current snapshot.
type StatusSource interface {
	JobStatus(id string) (domain.JobSnapshot, error)
}

// Archiver listens to the scheduler's event stream and persists every job
// that reaches a terminal state. Persistence failures are logged and never
// flow back into scheduling.
type Archiver struct {
	recorder Recorder
	source   StatusSource
	logger   *slog.Logger
	timeout  time.Duration
}

func NewArchiver(recorder Recorder, source StatusSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		recorder: recorder,
		source:   source,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// HandleEvent is the subscriber callback. It runs on the subscription's
// dispatch goroutine, so a slow database write delays only the archive,
// not the scheduler.
func (a *Archiver) HandleEvent(ev domain.Event) {
	if ev.Type != domain.EventTypeState || !domain.IsTerminalState(ev.State) {
		return
	}

	snap, err := a.source.JobStatus(ev.JobID)
	if err != nil {
		a.logger.Warn("Job snapshot unavailable for archiving",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.recorder.RecordJob(ctx, snap); err != nil {
		a.logger.Error("Failed to archive terminal job",
			slog.String("job_id", ev.JobID),
			slog.String("state", ev.State),
			slog.Any("error", err),
		)
		return
	}

	a.logger.Debug("Job archived",
		slog.String("job_id", ev.JobID),
		slog.String("state", ev.State),
	)
}
