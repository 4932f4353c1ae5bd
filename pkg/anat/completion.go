package anat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CompletionStore decides whether a subject has already been processed and
// publishes validated working directories to their final location. Publish
// must be atomic from a reader's perspective: the final path is never
// observable partially populated.
type CompletionStore interface {
	// IsComplete reports whether the subject's output already exists.
	IsComplete(subject string) bool

	// Path returns the subject's final output path.
	Path(subject string) string

	// Publish moves a validated working directory to the subject's final
	// output path and returns that path. Once published, the output is the
	// completion marker for future runs.
	Publish(subject, workdir string) (string, error)
}

// DirStore marks completion by the existence of <root>/<subject>.anat.
// Publication is a rename when the working directory is on the same
// filesystem, otherwise a copy into a hidden sibling followed by a rename.
type DirStore struct {
	Root string
}

// NewDirStore returns a store rooted at the given output directory.
func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) Path(subject string) string {
	return filepath.Join(s.Root, subject+".anat")
}

func (s *DirStore) IsComplete(subject string) bool {
	_, err := os.Stat(s.Path(subject))
	return err == nil
}

func (s *DirStore) Publish(subject, workdir string) (string, error) {
	final := s.Path(subject)
	if err := os.MkdirAll(s.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create output root: %w", err)
	}
	if err := os.Rename(workdir, final); err == nil {
		return final, nil
	}
	// The working directory usually lives on a different filesystem (system
	// temp), so fall back to staging a sibling and renaming that into place.
	partial := final + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return "", fmt.Errorf("failed to clear partial output: %w", err)
	}
	if err := copyTree(workdir, partial); err != nil {
		os.RemoveAll(partial)
		return "", fmt.Errorf("failed to stage output for %s: %w", subject, err)
	}
	if err := os.Rename(partial, final); err != nil {
		os.RemoveAll(partial)
		return "", fmt.Errorf("failed to publish output for %s: %w", subject, err)
	}
	return final, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, in); err != nil {
			return err
		}
		return out.Close()
	})
}
