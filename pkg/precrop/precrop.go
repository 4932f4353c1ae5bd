// Package precrop implements the crop-and-reorient transform chain applied
// to a staged volume before it is handed to the processing engine: reorient
// to the canonical orientation, estimate a robust field of view on a
// noise-regularized copy, crop, and persist the full set of affine
// transforms between the original, standard, and ROI spaces.
package precrop

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"anatflow/internal/logging"
	"anatflow/pkg/affine"
	"anatflow/pkg/fsl"
	"anatflow/pkg/volume"
)

// File names written into the working directory. The engine and downstream
// consumers rely on these exact names.
const (
	T1Name      = "T1.nii.gz"
	OrigName    = "T1_orig.nii.gz"
	FullFOVName = "T1_fullfov.nii.gz"
	ROILogName  = "T1_roi.log"

	Orig2StdName   = "T1_orig2std.mat"
	Std2OrigName   = "T1_std2orig.mat"
	ROI2NonROIName = "T1_roi2nonroi.mat"
	NonROI2ROIName = "T1_nonroi2roi.mat"
	Orig2ROIName   = "T1_orig2roi.mat"
	ROI2OrigName   = "T1_roi2orig.mat"
)

// MatrixNames lists the six transform files the chain persists, in the order
// original->standard, standard->original, ROI->standard, standard->ROI,
// original->ROI, ROI->original.
var MatrixNames = []string{
	Orig2StdName,
	Std2OrigName,
	ROI2NonROIName,
	NonROI2ROIName,
	Orig2ROIName,
	ROI2OrigName,
}

// DefaultNoiseFraction is the fraction of the 90th-percentile intensity used
// as the noise standard deviation.
const DefaultNoiseFraction = 0.005

// Chain runs the crop-and-reorient preprocessing against one working
// directory. Reorientation and field-of-view estimation are delegated to
// external tools; noise injection, cropping, and all affine algebra are
// computed in-process.
type Chain struct {
	// Tools runs the external reorientation and field-of-view tools.
	Tools fsl.Runner

	// NoiseFraction scales the 90th-percentile intensity into the noise
	// standard deviation. Zero selects DefaultNoiseFraction.
	NoiseFraction float64

	// Seed seeds the noise generator so runs are reproducible.
	Seed uint64
}

// NewChain returns a chain using the default noise fraction.
func NewChain(tools fsl.Runner, seed uint64) *Chain {
	return &Chain{Tools: tools, NoiseFraction: DefaultNoiseFraction, Seed: seed}
}

// Result summarizes a completed chain run.
type Result struct {
	// Bounds is the estimated region of interest in standard-space voxels.
	Bounds volume.Bounds

	// Sigma is the noise standard deviation that was injected before
	// field-of-view estimation.
	Sigma float64
}

// Run rewrites dir/T1.nii.gz in place: the volume ends up reoriented and
// cropped, with the original preserved as T1_fullfov.nii.gz and the six
// transform matrices persisted alongside it.
func (c *Chain) Run(ctx context.Context, dir string) (*Result, error) {
	t1 := filepath.Join(dir, T1Name)

	// Precondition check before any tool runs: negative intensities violate
	// the percentile/noise assumption and signal bad upstream data.
	staged, err := volume.Load(t1)
	if err != nil {
		return nil, fmt.Errorf("staged volume missing: %w", err)
	}
	if min, _ := staged.MinMax(); min < 0 {
		return nil, &NegativeIntensityError{Min: min}
	}

	if err := copyFile(t1, filepath.Join(dir, OrigName)); err != nil {
		return nil, err
	}

	// Reorient to the canonical orientation. Report mode prints the
	// original->standard matrix; the second call applies it in place.
	report, err := c.Tools.Run(ctx, "fslreorient2std", t1)
	if err != nil {
		return nil, err
	}
	orig2std, err := affine.Parse(report)
	if err != nil {
		return nil, &MalformedOutputError{Tool: "fslreorient2std", Reason: err.Error()}
	}
	if err := affine.Save(filepath.Join(dir, Orig2StdName), orig2std); err != nil {
		return nil, err
	}
	std2orig, err := affine.Invert(orig2std)
	if err != nil {
		return nil, err
	}
	if err := affine.Save(filepath.Join(dir, Std2OrigName), std2orig); err != nil {
		return nil, err
	}
	if _, err := c.Tools.Run(ctx, "fslreorient2std", t1, t1); err != nil {
		return nil, err
	}

	fullfov := filepath.Join(dir, FullFOVName)
	if err := os.Rename(t1, fullfov); err != nil {
		return nil, fmt.Errorf("failed to preserve full field of view: %w", err)
	}

	vol, err := volume.Load(fullfov)
	if err != nil {
		return nil, err
	}

	// The field-of-view estimator degenerates on exactly-flat background, so
	// it runs on a noise-regularized copy; the volume that is actually
	// cropped stays untouched.
	noisy, sigma := c.regularize(vol)
	noisyPath := filepath.Join(dir, "T1_noisy.nii.gz")
	if err := volume.Save(noisyPath, noisy); err != nil {
		return nil, err
	}
	defer os.Remove(noisyPath)

	roi2nonroiPath := filepath.Join(dir, ROI2NonROIName)
	fovOut, err := c.Tools.Run(ctx, "robustfov", "-m", roi2nonroiPath, "-i", noisyPath)
	if err != nil {
		return nil, err
	}
	bounds, roiLine, err := parseFOV(fovOut)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ROILogName), []byte(roiLine), 0644); err != nil {
		return nil, fmt.Errorf("failed to write roi log: %w", err)
	}

	cropped, err := vol.Crop(bounds)
	if err != nil {
		return nil, err
	}
	if err := volume.Save(t1, cropped); err != nil {
		return nil, err
	}

	if err := c.composeTransforms(dir); err != nil {
		return nil, err
	}

	logging.L().Debug("transform chain complete", "dir", dir,
		"sigma", sigma, "bounds", fmt.Sprintf("%+v", bounds))
	return &Result{Bounds: bounds, Sigma: sigma}, nil
}

// regularize returns a copy of vol with zero-mean Gaussian noise added to
// every non-background voxel, plus the standard deviation used. Background
// voxels (intensity <= 0) keep their exact value.
func (c *Chain) regularize(vol *volume.Volume) (*volume.Volume, float64) {
	frac := c.NoiseFraction
	if frac == 0 {
		frac = DefaultNoiseFraction
	}

	foreground := make([]float64, 0, len(vol.Data))
	for _, v := range vol.Data {
		if v > 0 {
			foreground = append(foreground, v)
		}
	}
	sigma := volume.Percentile(foreground, 90) * frac

	noisy := vol.Clone()
	if sigma == 0 {
		return noisy, 0
	}
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(c.Seed)}
	for i, v := range noisy.Data {
		if v > 0 {
			noisy.Data[i] = v + dist.Rand()
		}
	}
	return noisy, sigma
}

// parseFOV extracts the crop bounds from the estimator's report. The second
// line carries six whitespace-separated values: x0 dx y0 dy z0 dz.
func parseFOV(out string) (volume.Bounds, string, error) {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) < 2 {
		return volume.Bounds{}, "", &MalformedOutputError{
			Tool:   "robustfov",
			Reason: fmt.Sprintf("expected 2 output lines, got %d", len(lines)),
		}
	}
	roiLine := lines[1]
	fields := strings.Fields(roiLine)
	if len(fields) < 6 {
		return volume.Bounds{}, "", &MalformedOutputError{
			Tool:   "robustfov",
			Reason: fmt.Sprintf("expected 6 crop bounds, got %d", len(fields)),
		}
	}
	vals := make([]int, 6)
	for i := 0; i < 6; i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return volume.Bounds{}, "", &MalformedOutputError{
				Tool:   "robustfov",
				Reason: fmt.Sprintf("non-numeric crop bound %q", fields[i]),
			}
		}
		vals[i] = int(math.Round(f))
	}
	b := volume.Bounds{
		X0: vals[0], DX: vals[1],
		Y0: vals[2], DY: vals[3],
		Z0: vals[4], DZ: vals[5],
	}
	return b, roiLine, nil
}

// composeTransforms derives the remaining matrices from the persisted
// intermediates: standard->ROI as the inverse of the estimator's output,
// original->ROI as the composition through standard space, and its inverse.
func (c *Chain) composeTransforms(dir string) error {
	roi2nonroi, err := affine.Load(filepath.Join(dir, ROI2NonROIName))
	if err != nil {
		return fmt.Errorf("missing field-of-view transform: %w", err)
	}
	nonroi2roi, err := affine.Invert(roi2nonroi)
	if err != nil {
		return err
	}
	if err := affine.Save(filepath.Join(dir, NonROI2ROIName), nonroi2roi); err != nil {
		return err
	}

	orig2std, err := affine.Load(filepath.Join(dir, Orig2StdName))
	if err != nil {
		return fmt.Errorf("missing reorientation transform: %w", err)
	}
	orig2roi := affine.Compose(nonroi2roi, orig2std)
	if err := affine.Save(filepath.Join(dir, Orig2ROIName), orig2roi); err != nil {
		return err
	}
	roi2orig, err := affine.Invert(orig2roi)
	if err != nil {
		return err
	}
	return affine.Save(filepath.Join(dir, ROI2OrigName), roi2orig)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
