package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
	"github.com/cuongbtq/transcribe-batch/internal/executor"
)

// Config holds the external command templates. Argument placeholders
// {source}, {model} and {target_lang} are substituted per job.
type Config struct {
	TranscribeCommand []string
	TranslateCommand  []string
	WorkDir           string
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// Runner shells out to the configured transcriber/translator commands and
// adapts their outcome to the job executor contract. The command's stdout
// becomes the result payload.
type Runner struct {
	cfg    Config
	runner commandRunner
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		runner: &execRunner{},
		logger: logger,
	}
}

// Execute implements executor.Executor.
func (r *Runner) Execute(ctx context.Context, spec domain.JobSpec, report executor.ProgressFunc) (domain.Result, error) {
	argv, err := r.buildCommand(spec)
	if err != nil {
		return domain.Result{}, err
	}

	report(0.05, "spawn")
	r.logger.Debug("Running pipeline command",
		slog.String("command", argv[0]),
		slog.String("operation", spec.Operation),
		slog.String("source_url", spec.SourceURL),
	)

	res, runErr := r.runner.Run(ctx, r.cfg.WorkDir, argv[0], argv[1:]...)
	if runErr != nil {
		return domain.Result{}, r.classify(ctx, argv[0], res, runErr)
	}

	report(0.95, "collect")

	return domain.Result{
		Payload: []byte(res.Stdout),
		Metadata: map[string]string{
			"operation": spec.Operation,
			"command":   argv[0],
		},
	}, nil
}

func (r *Runner) buildCommand(spec domain.JobSpec) ([]string, error) {
	var template []string
	switch spec.Operation {
	case domain.OperationTranscribe:
		template = r.cfg.TranscribeCommand
	case domain.OperationTranslate:
		template = r.cfg.TranslateCommand
	default:
		return nil, domain.NewPermanentError(fmt.Errorf("unknown operation %q", spec.Operation))
	}
	if len(template) == 0 {
		return nil, domain.NewPermanentError(fmt.Errorf("no command configured for operation %q", spec.Operation))
	}

	replacer := strings.NewReplacer(
		"{source}", spec.SourceURL,
		"{model}", spec.Model,
		"{target_lang}", spec.TargetLang,
	)

	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = replacer.Replace(arg)
	}
	return argv, nil
}

// classify maps a command failure onto the retry taxonomy. An interrupted
// run follows its context cause, a non-zero exit is treated as an input
// failure, and a spawn failure is retried.
func (r *Runner) classify(ctx context.Context, command string, res commandResult, runErr error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return domain.NewCanceledError(fmt.Errorf("%s interrupted: %w", command, runErr))
		}
		return domain.NewTransientError(fmt.Errorf("%s timed out: %w", command, runErr))
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return domain.NewPermanentError(fmt.Errorf(
			"%s exited with code %d: %s", command, res.ExitCode, stderrTail(res.Stderr),
		))
	}

	return domain.NewTransientError(fmt.Errorf("failed to spawn %s: %w", command, runErr))
}

// stderrTail keeps the last few lines of stderr for the error message.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
