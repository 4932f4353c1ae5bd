// Package fsl invokes the external FSL toolkit: the auxiliary tools used by
// the precrop transform chain and the fsl_anat processing engine itself. The
// installation root is an explicit configuration value; nothing in this
// package reads the process environment at call sites.
package fsl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"anatflow/internal/logging"
)

// Runner abstracts tool invocation so the transform chain can be tested
// without an FSL installation.
type Runner interface {
	// Run invokes one tool non-interactively and returns its captured stdout.
	Run(ctx context.Context, tool string, args ...string) (string, error)
}

// Toolkit locates and runs FSL tools from a fixed installation root.
type Toolkit struct {
	// Dir is the FSL installation root; tools live under Dir/bin.
	Dir string
}

// NewToolkit returns a Toolkit rooted at the given installation directory.
func NewToolkit(dir string) *Toolkit {
	return &Toolkit{Dir: dir}
}

// Path returns the absolute path of a tool binary.
func (t *Toolkit) Path(tool string) string {
	return filepath.Join(t.Dir, "bin", tool)
}

// Run executes one tool to completion, capturing stdout. Each invocation is
// pinned to a single thread because several subjects run concurrently on one
// machine.
func (t *Toolkit) Run(ctx context.Context, tool string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.Path(tool), args...)
	cmd.Env = append(os.Environ(),
		"FSLDIR="+t.Dir,
		"FSLOUTPUTTYPE=NIFTI_GZ",
		"OMP_NUM_THREADS=1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.L().Debug("running fsl tool", "tool", tool, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.String(), fmt.Errorf("%s failed: %w: %s", tool, err, msg)
		}
		return stdout.String(), fmt.Errorf("%s failed: %w", tool, err)
	}
	return stdout.String(), nil
}
