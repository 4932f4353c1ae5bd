package anat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"anatflow/pkg/affine"
	"anatflow/pkg/fsl"
	"anatflow/pkg/volume"
)

// fakeEngine simulates a processing engine by writing the full output
// contract into the working directory. Artifacts listed in omit are left
// out, which is how an engine crash looks to the validator.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	omit  map[string]bool
}

func (e *fakeEngine) Run(_ context.Context, dir string, _ fsl.AnatOptions) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	for _, name := range RequiredArtifacts {
		if e.omit[name] {
			continue
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(name), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeEngine) invocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeTools simulates the reorientation and field-of-view tools used by the
// precrop chain.
type fakeTools struct{}

func (fakeTools) Run(_ context.Context, tool string, args ...string) (string, error) {
	switch tool {
	case "fslreorient2std":
		if len(args) == 1 {
			return "1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n", nil
		}
		return "", nil
	case "robustfov":
		if err := affine.Save(args[1], affine.Translation(1, 1, 0)); err != nil {
			return "", err
		}
		return "Final FOV:\n1 6 1 6 0 4\n", nil
	}
	return "", fmt.Errorf("unexpected tool %s", tool)
}

// writeSubjectVolume stages a small positive-intensity volume at path
func writeSubjectVolume(t *testing.T, path string, min float64) {
	t.Helper()
	v := volume.New(8, 8, 4)
	for i := range v.Data {
		v.Data[i] = 10 + float64(i%17)
	}
	if min < 0 {
		v.SetAt(3, 3, 1, min)
	}
	if err := volume.Save(path, v); err != nil {
		t.Fatalf("Failed to write subject volume: %v", err)
	}
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"/data/sub-01/anat/sub-01_T1w.nii.gz": "sub-01_T1w",
		"sub-02_T1w.nii":                      "sub-02_T1w",
		"plain":                               "plain",
	}
	for in, want := range cases {
		if got := Stem(in); got != want {
			t.Errorf("Stem(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestValidateResult(t *testing.T) {
	dir := t.TempDir()
	for _, name := range RequiredArtifacts {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("Failed to create artifact: %v", err)
		}
	}

	got, err := ValidateResult(dir)
	if err != nil {
		t.Fatalf("Expected complete output to validate: %v", err)
	}
	if got != dir {
		t.Errorf("Expected validated dir %q, got %q", dir, got)
	}

	// Removing one artifact must name exactly that file.
	missing := RequiredArtifacts[5]
	if err := os.Remove(filepath.Join(dir, missing)); err != nil {
		t.Fatalf("Failed to remove artifact: %v", err)
	}
	_, err = ValidateResult(dir)
	var artErr *MissingArtifactError
	if !errors.As(err, &artErr) {
		t.Fatalf("Expected MissingArtifactError, got %v", err)
	}
	if artErr.Name != missing {
		t.Errorf("Expected missing artifact %q, got %q", missing, artErr.Name)
	}
}

func TestDirStorePublish(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	store := NewDirStore(root)

	if store.IsComplete("sub-01_T1w") {
		t.Fatal("Subject reported complete before publish")
	}

	workdir := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(workdir, 0755); err != nil {
		t.Fatalf("Failed to create workdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "T1.nii.gz"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	final, err := store.Publish("sub-01_T1w", workdir)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if final != store.Path("sub-01_T1w") {
		t.Errorf("Expected final path %q, got %q", store.Path("sub-01_T1w"), final)
	}
	if _, err := os.Stat(filepath.Join(final, "T1.nii.gz")); err != nil {
		t.Errorf("Published artifact missing: %v", err)
	}
	if !store.IsComplete("sub-01_T1w") {
		t.Error("Subject not reported complete after publish")
	}
}

func TestTaskFailedValidationIsNotPublished(t *testing.T) {
	tmp := t.TempDir()
	image := filepath.Join(tmp, "sub-01_T1w.nii.gz")
	writeSubjectVolume(t, image, 0)

	store := NewDirStore(filepath.Join(tmp, "out"))
	engine := &fakeEngine{omit: map[string]bool{"T1_vols.txt": true}}
	task := &Task{
		Req:    Request{Image: image, OutputRoot: store.Root},
		Store:  store,
		Engine: engine,
	}

	res := task.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed outcome, got %s", res.Outcome)
	}
	if res.Stage != StageValidate {
		t.Errorf("Expected failure at validate stage, got %s", res.Stage)
	}
	var artErr *MissingArtifactError
	if !errors.As(res.Err, &artErr) {
		t.Errorf("Expected MissingArtifactError, got %v", res.Err)
	}
	if store.IsComplete("sub-01_T1w") {
		t.Error("Failed subject must not be published")
	}
}
