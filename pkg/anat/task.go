package anat

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"anatflow/internal/logging"
	"anatflow/pkg/fsl"
	"anatflow/pkg/precrop"
)

// Outcome is the terminal state of one per-subject task.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stages reported in failure results, in execution order.
const (
	StageStage     = "stage"
	StageTransform = "transform"
	StageProcess   = "process"
	StageValidate  = "validate"
	StagePublish   = "publish"
)

// Result records the terminal state of one subject in a batch.
type Result struct {
	Subject   string
	Outcome   Outcome
	Stage     string
	OutputDir string
	Err       error
	Duration  time.Duration
}

// Task is the unit of work for one subject. It checks for prior completion,
// stages a private working copy, optionally runs the transform chain,
// invokes the engine, validates the output set, and publishes it. The
// working directory is destroyed on every exit path; only a validated
// output ever reaches the final location.
type Task struct {
	Req    Request
	Store  CompletionStore
	Engine fsl.Engine
	Chain  *precrop.Chain
}

// Run drives the subject through its state machine to a terminal outcome.
// Errors are captured in the result rather than propagated so one subject's
// failure never aborts its siblings.
func (t *Task) Run(ctx context.Context) Result {
	start := time.Now()
	subject := t.Req.Subject()
	log := logging.L().With("subject", subject)

	// Idempotency contract: an existing output directory is the completion
	// marker, so a re-run must not redo the subject or touch the engine.
	if t.Store.IsComplete(subject) {
		log.Info("already complete, skipping")
		return Result{
			Subject:   subject,
			Outcome:   OutcomeSkipped,
			OutputDir: t.Store.Path(subject),
			Duration:  time.Since(start),
		}
	}

	fail := func(stage string, err error) Result {
		log.Error("subject failed", "stage", stage, "error", err)
		return Result{
			Subject:  subject,
			Outcome:  OutcomeFailed,
			Stage:    stage,
			Err:      err,
			Duration: time.Since(start),
		}
	}

	workdir, err := os.MkdirTemp("", "anatflow-*.anat")
	if err != nil {
		return fail(StageStage, fmt.Errorf("failed to create working directory: %w", err))
	}
	defer os.RemoveAll(workdir)

	if err := stageInput(t.Req.Image, filepath.Join(workdir, precrop.T1Name)); err != nil {
		return fail(StageStage, err)
	}

	opts := fsl.AnatOptions{StrongBias: t.Req.StrongBias}
	if t.Req.Precrop {
		if _, err := t.Chain.Run(ctx, workdir); err != nil {
			return fail(StageTransform, err)
		}
		// The chain already reoriented and cropped the staged volume, so the
		// engine's internal versions of both steps are suppressed.
		opts.NoCrop = true
		opts.NoReorient = true
	}

	if err := t.Engine.Run(ctx, workdir, opts); err != nil {
		return fail(StageProcess, err)
	}

	if _, err := ValidateResult(workdir); err != nil {
		return fail(StageValidate, err)
	}

	final, err := t.Store.Publish(subject, workdir)
	if err != nil {
		return fail(StagePublish, err)
	}

	log.Info("subject complete", "output", final, "duration", time.Since(start))
	return Result{
		Subject:   subject,
		Outcome:   OutcomeCompleted,
		OutputDir: final,
		Duration:  time.Since(start),
	}
}

// stageInput copies the source volume into the working directory under the
// name the engine expects.
func stageInput(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to stage input: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to stage input: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to stage input: %w", err)
	}
	return out.Close()
}
