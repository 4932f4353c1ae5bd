// Package anat orchestrates per-subject anatomical processing: staging,
// optional precrop preprocessing, engine invocation, result validation, and
// atomic publication, with a bounded worker pool fanning out over a batch.
package anat

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Stem derives the canonical subject basename from an image path by
// stripping the known compression and format suffixes. All downstream
// artifacts for the subject are named after it.
func Stem(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".nii")
	return name
}

// Request carries the per-subject processing parameters. A request is
// constructed once before task execution and never mutated.
type Request struct {
	// Image is the path of the subject's input volume.
	Image string

	// OutputRoot is the directory under which the final output is published.
	OutputRoot string

	// Precrop applies the crop-and-reorient transform chain before the
	// engine runs.
	Precrop bool

	// StrongBias selects the engine's alternate bias-correction mode.
	StrongBias bool
}

// Subject returns the canonical basename for the request's image.
func (r Request) Subject() string {
	return Stem(r.Image)
}

// ConfigError reports invalid batch configuration detected before any task
// is dispatched.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// MissingArtifactError reports the first required file absent from a claimed
// output artifact set.
type MissingArtifactError struct {
	Dir  string
	Name string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("output %s is missing required artifact %s", e.Dir, e.Name)
}
