package fsl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"anatflow/internal/logging"
)

// EngineLogName is the file inside a working directory that receives the
// captured output of the fsl_anat invocation.
const EngineLogName = "fsl_anat.log"

// AnatOptions are the feature flags passed to the processing engine.
type AnatOptions struct {
	// NoCrop suppresses the engine's internal cropping step, set when the
	// precrop chain has already cropped the staged volume.
	NoCrop bool

	// NoReorient suppresses the engine's internal reorientation step.
	NoReorient bool

	// StrongBias selects the alternate bias-field correction mode.
	StrongBias bool
}

// Engine runs the external anatomical-processing engine against a staged
// working directory. Implementations must be safe for concurrent use by
// independent subjects.
type Engine interface {
	Run(ctx context.Context, dir string, opts AnatOptions) error
}

// AnatEngine invokes fsl_anat once per call. The engine's exit status is
// recorded for diagnostics only; whether the run actually succeeded is
// decided afterwards by validating the produced artifact set.
type AnatEngine struct {
	Tools *Toolkit
}

// NewAnatEngine returns an engine backed by the given toolkit.
func NewAnatEngine(tools *Toolkit) *AnatEngine {
	return &AnatEngine{Tools: tools}
}

// Run invokes fsl_anat -d against the working directory, which must contain
// the staged volume under the conventional name. The engine writes its full
// output set into the same directory; captured output and exit status land
// in fsl_anat.log.
func (e *AnatEngine) Run(ctx context.Context, dir string, opts AnatOptions) error {
	args := []string{"-d", dir}
	if opts.NoCrop {
		args = append(args, "--nocrop")
	}
	if opts.NoReorient {
		args = append(args, "--noreorient")
	}
	if opts.StrongBias {
		args = append(args, "--strongbias")
	}

	cmd := exec.CommandContext(ctx, e.Tools.Path("fsl_anat"), args...)
	cmd.Env = append(os.Environ(),
		"FSLDIR="+e.Tools.Dir,
		"FSLOUTPUTTYPE=NIFTI_GZ",
		"OMP_NUM_THREADS=1",
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logging.L().Info("invoking processing engine", "dir", dir, "nocrop", opts.NoCrop,
		"noreorient", opts.NoReorient, "strongbias", opts.StrongBias)
	runErr := cmd.Run()

	if err := os.WriteFile(filepath.Join(dir, EngineLogName), out.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write engine log: %w", err)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is a diagnostic signal, not a verdict: the result
			// validator is the authority on whether the run produced a
			// complete artifact set.
			logging.L().Warn("processing engine exited non-zero", "dir", dir,
				"code", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("failed to run processing engine: %w", runErr)
	}
	return nil
}
