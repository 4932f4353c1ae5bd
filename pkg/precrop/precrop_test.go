package precrop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"anatflow/pkg/affine"
	"anatflow/pkg/volume"
)

const tol = 1e-6

// fakeTools simulates the reorientation and field-of-view tools so the chain
// can run against a temporary directory without an FSL installation.
type fakeTools struct {
	mu     sync.Mutex
	calls  []string
	fovOut string
}

// The simulated reorientation: an x-flip with translation, which is what a
// left/right swap to the canonical orientation looks like in voxel space.
var reorientMatrix = "-1 0 0 9\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"

func (f *fakeTools) Run(_ context.Context, tool string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()

	switch tool {
	case "fslreorient2std":
		if len(args) == 1 {
			return reorientMatrix, nil
		}
		// Apply mode rewrites the volume in place; the fake leaves it as is.
		return "", nil
	case "robustfov":
		// args: -m <matfile> -i <volume>
		roi2nonroi := affine.Translation(2, 1, 0)
		if err := affine.Save(args[1], roi2nonroi); err != nil {
			return "", err
		}
		if f.fovOut != "" {
			return f.fovOut, nil
		}
		return "Final FOV:\n2 6 1 8 0 6\n", nil
	}
	return "", fmt.Errorf("unexpected tool %s", tool)
}

func (f *fakeTools) called(tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == tool {
			return true
		}
	}
	return false
}

// createStagedVolume writes a 10x10x6 positive-intensity volume to
// dir/T1.nii.gz and returns it
func createStagedVolume(t *testing.T, dir string) *volume.Volume {
	t.Helper()
	v := volume.New(10, 10, 6)
	for z := 0; z < 6; z++ {
		for y := 1; y < 9; y++ {
			for x := 2; x < 8; x++ {
				v.SetAt(x, y, z, float64(100+x+y+z))
			}
		}
	}
	if err := volume.Save(filepath.Join(dir, T1Name), v); err != nil {
		t.Fatalf("Failed to stage test volume: %v", err)
	}
	return v
}

func TestChainRun(t *testing.T) {
	dir := t.TempDir()
	createStagedVolume(t, dir)

	tools := &fakeTools{}
	chain := NewChain(tools, 42)
	res, err := chain.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Chain failed: %v", err)
	}
	if !tools.called("fslreorient2std") || !tools.called("robustfov") {
		t.Error("Expected both external tools to run")
	}

	t.Run("Bounds", func(t *testing.T) {
		want := volume.Bounds{X0: 2, DX: 6, Y0: 1, DY: 8, Z0: 0, DZ: 6}
		if res.Bounds != want {
			t.Errorf("Expected bounds %+v, got %+v", want, res.Bounds)
		}
		if res.Sigma <= 0 {
			t.Errorf("Expected positive noise sigma, got %g", res.Sigma)
		}
	})

	t.Run("CroppedVolume", func(t *testing.T) {
		cropped, err := volume.Load(filepath.Join(dir, T1Name))
		if err != nil {
			t.Fatalf("Failed to load cropped volume: %v", err)
		}
		if cropped.NX != 6 || cropped.NY != 8 || cropped.NZ != 6 {
			t.Errorf("Expected 6x8x6 crop, got %dx%dx%d", cropped.NX, cropped.NY, cropped.NZ)
		}
	})

	t.Run("PreservedIntermediates", func(t *testing.T) {
		for _, name := range []string{OrigName, FullFOVName, ROILogName} {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				t.Errorf("Expected %s to exist: %v", name, err)
			}
		}
		roi, err := os.ReadFile(filepath.Join(dir, ROILogName))
		if err != nil {
			t.Fatalf("Failed to read roi log: %v", err)
		}
		if strings.TrimSpace(string(roi)) != "2 6 1 8 0 6" {
			t.Errorf("Unexpected roi log content %q", roi)
		}
	})

	t.Run("TransformConsistency", func(t *testing.T) {
		load := func(name string) *mat.Dense {
			t.Helper()
			m, err := affine.Load(filepath.Join(dir, name))
			if err != nil {
				t.Fatalf("Failed to load %s: %v", name, err)
			}
			return m
		}
		orig2std := load(Orig2StdName)
		std2orig := load(Std2OrigName)
		roi2nonroi := load(ROI2NonROIName)
		nonroi2roi := load(NonROI2ROIName)
		orig2roi := load(Orig2ROIName)
		roi2orig := load(ROI2OrigName)

		ident := affine.Identity()
		if !affine.EqualApprox(affine.Compose(orig2std, std2orig), ident, tol) {
			t.Error("orig2std composed with its inverse is not identity")
		}
		if !affine.EqualApprox(affine.Compose(roi2nonroi, nonroi2roi), ident, tol) {
			t.Error("roi2nonroi composed with its inverse is not identity")
		}
		if !affine.EqualApprox(affine.Compose(orig2roi, roi2orig), ident, tol) {
			t.Error("orig2roi composed with its inverse is not identity")
		}
		if !affine.EqualApprox(affine.Compose(nonroi2roi, orig2std), orig2roi, tol) {
			t.Error("Composition through standard space differs from stored orig2roi")
		}
	})
}

func TestNegativeIntensityGuard(t *testing.T) {
	dir := t.TempDir()
	v := createStagedVolume(t, dir)
	v.SetAt(5, 5, 2, -1)
	if err := volume.Save(filepath.Join(dir, T1Name), v); err != nil {
		t.Fatalf("Failed to stage test volume: %v", err)
	}

	tools := &fakeTools{}
	chain := NewChain(tools, 1)
	_, err := chain.Run(context.Background(), dir)

	var negErr *NegativeIntensityError
	if !errors.As(err, &negErr) {
		t.Fatalf("Expected NegativeIntensityError, got %v", err)
	}
	if len(tools.calls) != 0 {
		t.Errorf("Expected no tool invocations, got %v", tools.calls)
	}
}

func TestMalformedEstimatorOutput(t *testing.T) {
	dir := t.TempDir()
	createStagedVolume(t, dir)

	tools := &fakeTools{fovOut: "only one line\n"}
	chain := NewChain(tools, 1)
	_, err := chain.Run(context.Background(), dir)

	var malformed *MalformedOutputError
	if !errors.As(err, &malformed) {
		t.Fatalf("Expected MalformedOutputError, got %v", err)
	}
	if malformed.Tool != "robustfov" {
		t.Errorf("Expected robustfov error, got %s", malformed.Tool)
	}
}

func TestNoiseDeterminism(t *testing.T) {
	v := volume.New(8, 8, 8)
	for i := range v.Data {
		v.Data[i] = float64(i % 50)
	}

	chain := &Chain{NoiseFraction: DefaultNoiseFraction, Seed: 1234}
	first, sigma1 := chain.regularize(v)
	second, sigma2 := chain.regularize(v)

	if sigma1 != sigma2 {
		t.Fatalf("Expected identical sigma, got %g and %g", sigma1, sigma2)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("Voxel %d differs between runs with the same seed", i)
		}
	}

	// Background voxels (zero intensity) stay exact.
	if first.Data[0] != 0 {
		t.Errorf("Expected background voxel to stay 0, got %g", first.Data[0])
	}

	other := &Chain{NoiseFraction: DefaultNoiseFraction, Seed: 99}
	third, _ := other.regularize(v)
	same := true
	for i := range first.Data {
		if first.Data[i] != third.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Expected different seeds to produce different noise")
	}
}
