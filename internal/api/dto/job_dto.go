package dto

import (
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/history"
)

type JobSpecDTO struct {
	SourceURL      string            `json:"source_url" binding:"required"`
	Operation      string            `json:"operation" binding:"required,oneof=transcribe translate"`
	Model          string            `json:"model"`
	TargetLang     string            `json:"target_lang"`
	Options        map[string]string `json:"options"`
	Priority       int               `json:"priority"`
	MaxAttempts    int               `json:"max_attempts" binding:"gte=0"`
	TimeoutSeconds int               `json:"timeout_seconds" binding:"gte=0"`
}

type SubmitBatchRequest struct {
	Jobs []JobSpecDTO `json:"jobs" binding:"required,min=1,dive"`
}

type SubmitBatchResponse struct {
	BatchID string   `json:"batch_id"`
	JobIDs  []string `json:"job_ids"`
}

type JobDTO struct {
	JobID       string            `json:"job_id"`
	BatchID     string            `json:"batch_id"`
	SourceURL   string            `json:"source_url"`
	Operation   string            `json:"operation"`
	Model       string            `json:"model,omitempty"`
	TargetLang  string            `json:"target_lang,omitempty"`
	Priority    int               `json:"priority"`
	State       string            `json:"state"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Progress    float64           `json:"progress"`
	Stage       string            `json:"stage,omitempty"`
	ErrKind     string            `json:"err_kind,omitempty"`
	ErrMessage  string            `json:"err_message,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
}

type BatchDTO struct {
	BatchID   string         `json:"batch_id"`
	JobIDs    []string       `json:"job_ids"`
	Counts    map[string]int `json:"counts"`
	Progress  float64        `json:"progress"`
	Done      bool           `json:"done"`
	CreatedAt string         `json:"created_at"`
}

type ListJobsRequest struct {
	BatchID   string `form:"batch_id"`
	State     string `form:"state"`
	Operation string `form:"operation"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type PoolSizeRequest struct {
	Workers int `json:"workers" binding:"required,gte=1"`
}

type CacheCapacityRequest struct {
	CapacityBytes int64 `json:"capacity_bytes" binding:"required,gte=1"`
}

// ToSpec converts an inbound job description to the scheduler's spec.
func (d JobSpecDTO) ToSpec() domain.JobSpec {
	return domain.JobSpec{
		SourceURL:   d.SourceURL,
		Operation:   d.Operation,
		Model:       d.Model,
		TargetLang:  d.TargetLang,
		Options:     d.Options,
		Priority:    d.Priority,
		MaxAttempts: d.MaxAttempts,
		Timeout:     time.Duration(d.TimeoutSeconds) * time.Second,
	}
}

// JobFromSnapshot maps a live scheduler snapshot to the response shape.
func JobFromSnapshot(snap domain.JobSnapshot) JobDTO {
	d := JobDTO{
		JobID:       snap.ID,
		BatchID:     snap.BatchID,
		SourceURL:   snap.Spec.SourceURL,
		Operation:   snap.Spec.Operation,
		Model:       snap.Spec.Model,
		TargetLang:  snap.Spec.TargetLang,
		Priority:    snap.Priority,
		State:       snap.State,
		Attempt:     snap.Attempt,
		MaxAttempts: snap.MaxAttempts,
		Progress:    snap.Progress,
		Stage:       snap.Stage,
		ErrKind:     string(snap.ErrKind),
		ErrMessage:  snap.ErrMessage,
		CreatedAt:   snap.CreatedAt.Format(time.RFC3339),
	}
	if snap.Result != nil {
		d.Payload = snap.Result.Payload
		d.Metadata = snap.Result.Metadata
	}
	if !snap.StartedAt.IsZero() {
		d.StartedAt = snap.StartedAt.Format(time.RFC3339)
	}
	if !snap.FinishedAt.IsZero() {
		d.FinishedAt = snap.FinishedAt.Format(time.RFC3339)
	}
	return d
}

// JobFromRecord maps an archived history row to the response shape.
func JobFromRecord(rec history.JobRecord) JobDTO {
	d := JobDTO{
		JobID:      rec.JobID,
		BatchID:    rec.BatchID,
		SourceURL:  rec.SourceURL,
		Operation:  rec.Operation,
		Model:      rec.Model.String,
		TargetLang: rec.TargetLang.String,
		Priority:   rec.Priority,
		State:      rec.State,
		Attempt:    rec.Attempt,
		ErrKind:    rec.ErrKind.String,
		ErrMessage: rec.ErrMessage.String,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		FinishedAt: rec.FinishedAt.Format(time.RFC3339),
	}
	if rec.State == domain.JobStateSucceeded {
		d.Progress = 1
	}
	if rec.StartedAt.Valid {
		d.StartedAt = rec.StartedAt.Time.Format(time.RFC3339)
	}
	return d
}

// BatchFromSnapshot maps a batch snapshot to the response shape.
func BatchFromSnapshot(snap domain.BatchSnapshot) BatchDTO {
	return BatchDTO{
		BatchID:   snap.ID,
		JobIDs:    snap.JobIDs,
		Counts:    snap.Counts,
		Progress:  snap.Progress,
		Done:      snap.Done,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339),
	}
}
