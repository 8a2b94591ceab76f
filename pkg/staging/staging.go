// Package staging owns the on-disk layout that received objects are filed
// into:
//
//	<root>/<jobId>/<mrn>/<accessionNumber>/<studyUid>/<instanceUid>.obj
//
// The number of objects in a study directory is the only signal used for
// arrival detection, so files are written under a dot-prefixed temporary
// name and renamed into place. Counting ignores dot-prefixed names.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/security"
)

// Extension is appended to the instance UID of every staged object.
const Extension = ".obj"

const spoolDir = ".spool"

// Layout addresses staged objects below a root directory. It is safe for
// concurrent use; it holds no mutable state.
type Layout struct {
	root string
}

// New returns a Layout rooted at root.
func New(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the staging root directory.
func (l *Layout) Root() string {
	return l.root
}

// Location identifies one study directory of one job.
type Location struct {
	JobID           int64
	MRN             string
	AccessionNumber string
	StudyUID        string
}

func (loc Location) validate() error {
	if loc.JobID <= 0 {
		return fmt.Errorf("%w: job id %d", core.ErrUnsafePathSegment, loc.JobID)
	}
	for _, seg := range []string{loc.MRN, loc.AccessionNumber, loc.StudyUID} {
		if err := security.ValidatePathSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// StudyDir returns the directory holding a study's objects for a job.
func (l *Layout) StudyDir(loc Location) (string, error) {
	if err := loc.validate(); err != nil {
		return "", err
	}
	return filepath.Join(l.root, strconv.FormatInt(loc.JobID, 10), loc.MRN, loc.AccessionNumber, loc.StudyUID), nil
}

// InstancePath returns the final path of one object.
func (l *Layout) InstancePath(loc Location, instanceUID string) (string, error) {
	dir, err := l.StudyDir(loc)
	if err != nil {
		return "", err
	}
	if err := security.ValidatePathSegment(instanceUID); err != nil {
		return "", err
	}
	return filepath.Join(dir, instanceUID+Extension), nil
}

// Count returns the number of staged objects in a study directory. A missing
// directory counts as zero. Files that appear or vanish while the directory
// is being read are tolerated.
func (l *Layout) Count(loc Location) (int, error) {
	dir, err := l.StudyDir(loc)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("count %s: %w", dir, err)
	}

	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, Extension) {
			continue
		}
		if e.Type().IsRegular() {
			n++
		}
	}
	return n, nil
}

// Place files the object at src under loc. src is left in place. The object
// is hard-linked when src is on the same filesystem and copied otherwise; in
// both cases a later removal of one job's tree cannot affect another's.
// Re-placing an instance replaces the previous file.
func (l *Layout) Place(src string, loc Location, instanceUID string) (string, error) {
	dst, err := l.InstancePath(loc, instanceUID)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.Link(src, tmp); err != nil {
		if err := copyFile(src, tmp); err != nil {
			_ = os.Remove(tmp)
			return "", err
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename into %s: %w", dst, err)
	}
	return dst, nil
}

// Spool streams r to a new temporary file below the root and returns its
// path. The caller removes the file when done with it.
func (l *Layout) Spool(r io.Reader) (path string, err error) {
	dir := filepath.Join(l.root, spoolDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create spool: %w", err)
	}

	path = filepath.Join(dir, uuid.NewString()+".dcm")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("spool: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("spool: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return out.Close()
}
