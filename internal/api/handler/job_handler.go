package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transcribe-batch/internal/api/dto"
	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/history"
)

// SubmitBatch handles POST /api/v1/batches
// Accepts a batch of jobs; admission is atomic, so either every job is
// accepted or none is.
func (h *JobHandler) SubmitBatch(c *gin.Context) {
	var req dto.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	specs := make([]domain.JobSpec, len(req.Jobs))
	for i, job := range req.Jobs {
		specs[i] = job.ToSpec()
	}

	batchID, jobIDs, err := h.scheduler.SubmitBatch(c.Request.Context(), specs)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Queue is full, try again later",
			})
		case errors.Is(err, domain.ErrSchedulerClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Scheduler is shutting down",
			})
		default:
			h.logger.Error("Failed to submit batch", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to submit batch",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitBatchResponse{
		BatchID: batchID,
		JobIDs:  jobIDs,
	})
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *JobHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("batch_id")

	snap, err := h.scheduler.BatchStatus(batchID)
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Batch not found",
			})
			return
		}
		h.logger.Error("Failed to get batch", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get batch",
		})
		return
	}

	c.JSON(http.StatusOK, dto.BatchFromSnapshot(snap))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Live jobs come from the scheduler; jobs already pruned from memory fall
// back to the archive.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	snap, err := h.scheduler.JobStatus(jobID)
	if err == nil {
		c.JSON(http.StatusOK, dto.JobFromSnapshot(snap))
		return
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if h.archive != nil {
		rec, archiveErr := h.archive.GetJob(c.Request.Context(), jobID)
		if archiveErr == nil {
			c.JSON(http.StatusOK, dto.JobFromRecord(*rec))
			return
		}
		if !errors.Is(archiveErr, domain.ErrJobNotFound) {
			h.logger.Error("Failed to get archived job", slog.String("error", archiveErr.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to get job",
			})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"error": "Job not found",
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// The id may name a job or a whole batch.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.scheduler.Cancel(jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "cancellation requested",
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists archived terminal jobs with filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Job history is not enabled",
		})
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := history.JobFilter{
		BatchID:   req.BatchID,
		State:     req.State,
		Operation: req.Operation,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	}

	recs, err := h.archive.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// One extra row signals another page
	hasMore := len(recs) > req.PageSize
	if hasMore {
		recs = recs[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(recs))
	for i, rec := range recs {
		jobs[i] = dto.JobFromRecord(rec)
	}

	var nextCursor string
	if hasMore {
		last := recs[len(recs)-1]
		cursorObj := history.JobCursor{
			FinishedAt: last.FinishedAt,
			JobID:      last.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// SetPoolSize handles PUT /api/v1/settings/pool-size
func (h *JobHandler) SetPoolSize(c *gin.Context) {
	var req dto.PoolSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "workers must be a positive integer",
		})
		return
	}

	if err := h.scheduler.SetPoolSize(req.Workers); err != nil {
		if errors.Is(err, domain.ErrSchedulerClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Scheduler is shutting down",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": req.Workers,
	})
}

// SetCacheCapacity handles PUT /api/v1/settings/cache-capacity
func (h *JobHandler) SetCacheCapacity(c *gin.Context) {
	var req dto.CacheCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "capacity_bytes must be a positive integer",
		})
		return
	}

	if err := h.scheduler.SetCacheCapacity(req.CapacityBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"capacity_bytes": req.CapacityBytes,
	})
}

// ClearCache handles DELETE /api/v1/cache
func (h *JobHandler) ClearCache(c *gin.Context) {
	if err := h.scheduler.ClearCache(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "cache cleared",
	})
}

// GetStats handles GET /api/v1/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stats())
}
