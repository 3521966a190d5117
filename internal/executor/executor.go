// Package executor defines the boundary contract between the scheduler core
// and the collaborators that perform the actual work (transcription,
// translation, download). The core never inspects spec or result content;
// it only needs a cache key and a size weight derived from them.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

// ProgressFunc reports execution progress. fraction is in [0,1] and the
// scheduler enforces monotonicity; stage is a free-form label.
type ProgressFunc func(fraction float64, stage string)

// Executor performs one unit of work. Cancellation is cooperative: ctx is
// the cancel handle, and implementations are contractually required to poll
// ctx.Done() at reasonable checkpoints so cancellation and timeouts stay
// responsive. Failures should be classified with domain.NewTransientError,
// domain.NewPermanentError, or domain.NewCanceledError; unclassified errors
// are treated as permanent.
type Executor interface {
	Execute(ctx context.Context, spec domain.JobSpec, report ProgressFunc) (domain.Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, spec domain.JobSpec, report ProgressFunc) (domain.Result, error)

func (f Func) Execute(ctx context.Context, spec domain.JobSpec, report ProgressFunc) (domain.Result, error) {
	return f(ctx, spec, report)
}

// KeyFunc derives the cache key from a job spec. An empty key marks the job
// as not cacheable.
type KeyFunc func(spec domain.JobSpec) string

// WeightFunc estimates the cache weight of a result, in capacity units.
type WeightFunc func(result domain.Result) int64

// cacheableInputs is the subset of a spec that affects the computed output.
// Scheduling fields (priority, attempts, timeout) are deliberately excluded.
type cacheableInputs struct {
	SourceURL  string            `json:"source_url"`
	Operation  string            `json:"operation"`
	Model      string            `json:"model,omitempty"`
	TargetLang string            `json:"target_lang,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// DefaultKeyFunc hashes the output-affecting spec fields.
func DefaultKeyFunc(spec domain.JobSpec) string {
	data, err := json.Marshal(cacheableInputs{
		SourceURL:  spec.SourceURL,
		Operation:  spec.Operation,
		Model:      spec.Model,
		TargetLang: spec.TargetLang,
		Options:    spec.Options,
	})
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DefaultWeightFunc weighs a result by its payload size in bytes.
func DefaultWeightFunc(result domain.Result) int64 {
	if len(result.Payload) < 1 {
		return 1
	}
	return int64(len(result.Payload))
}
