package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/transcribe-batch/internal/history"
	"github.com/cuongbtq/transcribe-batch/internal/scheduler"
)

// Archive is the read surface of the terminal-job history store. Nil when
// the archive is disabled.
type Archive interface {
	GetJob(ctx context.Context, jobID string) (*history.JobRecord, error)
	ListJobs(ctx context.Context, filter history.JobFilter) ([]history.JobRecord, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler
	Archive   Archive
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	scheduler *scheduler.Scheduler
	archive   Archive
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		archive:   deps.Archive,
	}
}
