package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

type fakeRunner struct {
	lastDir  string
	lastName string
	lastArgs []string
	result   commandResult
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (commandResult, error) {
	f.lastDir = dir
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func noopProgress(fraction float64, stage string) {}

func testConfig() Config {
	return Config{
		TranscribeCommand: []string{"transcriber", "--input", "{source}", "--model", "{model}"},
		TranslateCommand:  []string{"translator", "--input", "{source}", "--to", "{target_lang}"},
		WorkDir:           "/tmp/work",
	}
}

func TestRunner_Execute_Success(t *testing.T) {
	fake := &fakeRunner{result: commandResult{Stdout: "hello transcript", ExitCode: 0}}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	result, err := r.Execute(context.Background(), domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: domain.OperationTranscribe,
		Model:     "large-v3",
	}, noopProgress)

	require.NoError(t, err)
	assert.Equal(t, "hello transcript", string(result.Payload))
	assert.Equal(t, domain.OperationTranscribe, result.Metadata["operation"])
	assert.Equal(t, "transcriber", fake.lastName)
	assert.Equal(t, []string{"--input", "s3://in/a.mp4", "--model", "large-v3"}, fake.lastArgs)
	assert.Equal(t, "/tmp/work", fake.lastDir)
}

func TestRunner_Execute_PlaceholderSubstitution(t *testing.T) {
	fake := &fakeRunner{result: commandResult{Stdout: "hallo"}}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	_, err := r.Execute(context.Background(), domain.JobSpec{
		SourceURL:  "s3://in/b.mp4",
		Operation:  domain.OperationTranslate,
		TargetLang: "de",
	}, noopProgress)

	require.NoError(t, err)
	assert.Equal(t, "translator", fake.lastName)
	assert.Equal(t, []string{"--input", "s3://in/b.mp4", "--to", "de"}, fake.lastArgs)
}

func TestRunner_Execute_UnknownOperation(t *testing.T) {
	r := New(testConfig(), slog.Default())
	r.runner = &fakeRunner{}

	_, err := r.Execute(context.Background(), domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: "summarize",
	}, noopProgress)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindPermanent, domain.KindOf(err))
}

func TestRunner_Execute_NonZeroExit(t *testing.T) {
	// A real ExitError requires running a process; `false` exits 1 everywhere.
	exitErr := exec.Command("false").Run()
	require.Error(t, exitErr)

	fake := &fakeRunner{
		result: commandResult{Stderr: "line1\nline2\ncodec not supported", ExitCode: 1},
		err:    exitErr,
	}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	_, err := r.Execute(context.Background(), domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: domain.OperationTranscribe,
	}, noopProgress)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindPermanent, domain.KindOf(err))
	assert.Contains(t, err.Error(), "codec not supported")
}

func TestRunner_Execute_SpawnFailure(t *testing.T) {
	fake := &fakeRunner{
		result: commandResult{ExitCode: -1},
		err:    fmt.Errorf("exec: %q: executable file not found", "transcriber"),
	}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	_, err := r.Execute(context.Background(), domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: domain.OperationTranscribe,
	}, noopProgress)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
}

func TestRunner_Execute_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakeRunner{
		result: commandResult{ExitCode: -1},
		err:    fmt.Errorf("signal: killed"),
	}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	_, err := r.Execute(ctx, domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: domain.OperationTranscribe,
	}, noopProgress)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindCanceled, domain.KindOf(err))
}

func TestRunner_Execute_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	fake := &fakeRunner{
		result: commandResult{ExitCode: -1},
		err:    fmt.Errorf("signal: killed"),
	}
	r := New(testConfig(), slog.Default())
	r.runner = fake

	_, err := r.Execute(ctx, domain.JobSpec{
		SourceURL: "s3://in/a.mp4",
		Operation: domain.OperationTranscribe,
	}, noopProgress)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindTransient, domain.KindOf(err))
}

func TestStderrTail(t *testing.T) {
	assert.Equal(t, "a | b | c", stderrTail("x\na\nb\nc"))
	assert.Equal(t, "only", stderrTail("only\n"))
	assert.Equal(t, "", stderrTail(""))
}

func TestRealRunner_CapturesOutput(t *testing.T) {
	r := &execRunner{}
	res, err := r.Run(context.Background(), "", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}
