package bundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchiveStore keeps finished bundle zips on disk, one file per job.
// Writes go to a temp file and are renamed into place on commit, so a
// download can never observe a half-written archive.
type ArchiveStore struct {
	dir string
}

func NewArchiveStore(dir string) (*ArchiveStore, error) {
	if dir == "" {
		return nil, errors.New("bundle: archive dir required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &ArchiveStore{dir: abs}, nil
}

func (s *ArchiveStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".zip")
}

// CreateTemp opens a scratch file next to the final location. The
// caller writes the zip into it, closes it, then calls Commit or
// Discard.
func (s *ArchiveStore) CreateTemp(jobID string) (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "."+jobID+"-*.zip.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	return f, nil
}

func (s *ArchiveStore) Commit(jobID, tempPath string) error {
	if err := os.Rename(tempPath, s.path(jobID)); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

func (s *ArchiveStore) Discard(tempPath string) {
	_ = os.Remove(tempPath)
}

// Open returns the archive for reading plus its size in bytes.
func (s *ArchiveStore) Open(jobID string) (io.ReadSeekCloser, int64, error) {
	f, err := os.Open(s.path(jobID))
	if err != nil {
		return nil, 0, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat archive: %w", err)
	}
	return f, info.Size(), nil
}

func (s *ArchiveStore) Remove(jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

// SweepOlderThan removes archives (and stray temp files) last modified
// before now-age. Returns how many files went.
func (s *ArchiveStore) SweepOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read archive dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".zip") && !strings.HasSuffix(name, ".zip.tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
