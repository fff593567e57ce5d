// Package stash writes uploaded project zips to a spool directory. The API
// owns writing; the Controller owns deleting once a container has consumed
// the archive (spec §3 "Ownership & lifecycle").
package stash

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Spool writes to a unique path under dir and returns it.
type Spool struct {
	dir string
}

// New returns a Spool rooted at dir, creating dir if it doesn't exist.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Write copies r to a newly allocated path under the spool directory and
// returns that path. The caller (the API) never deletes the result; the
// Controller removes it once the job's container has been created.
func (s *Spool) Write(r io.Reader) (string, error) {
	path := filepath.Join(s.dir, uuid.NewString()+".zip")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create stash file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write stash file: %w", err)
	}
	return path, nil
}

// Remove deletes a stashed file. Missing files are not an error: the
// Controller's cleanup is idempotent by design (spec §4.2).
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stash file: %w", err)
	}
	return nil
}
