// Package files lays out certificate documents under the storage root.
package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const incomingDir = ".incoming"

// Storage names every stored certificate {root}/{request_id}.pdf so that
// later runs can find it without a side index.
type Storage struct {
	root string
}

func NewStorage(root string) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is not configured")
	}
	if err := os.MkdirAll(filepath.Join(root, incomingDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &Storage{root: root}, nil
}

func (s *Storage) Root() string {
	return s.root
}

// Name is the stored file name, also recorded as the certificate file URL.
func Name(requestID string) string {
	return requestID + ".pdf"
}

func (s *Storage) Path(requestID string) string {
	return filepath.Join(s.root, Name(requestID))
}

// Stage copies an upload to a unique file next to the storage root.
func (s *Storage) Stage(requestID string, r io.Reader) (string, error) {
	path := filepath.Join(s.root, incomingDir, fmt.Sprintf("%s-%s.pdf", requestID, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create staged file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close staged file: %w", err)
	}
	return path, nil
}

// Promote moves a staged upload to the request's deterministic path,
// replacing any earlier attempt.
func (s *Storage) Promote(requestID, staged string) (string, error) {
	dest := s.Path(requestID)
	if err := os.Rename(staged, dest); err != nil {
		return "", fmt.Errorf("failed to store certificate for request %s: %w", requestID, err)
	}
	return dest, nil
}

// Replacement is a promoted upload whose previous file is held aside until
// the caller either keeps the new file or puts the old one back.
type Replacement struct {
	dest   string
	backup string
}

// Replace moves staged into the request's path like Promote, but keeps any
// earlier file so the swap can be undone with Rollback.
func (s *Storage) Replace(requestID, staged string) (*Replacement, error) {
	dest := s.Path(requestID)
	rep := &Replacement{dest: dest}

	info, err := os.Lstat(dest)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return nil, fmt.Errorf("failed to store certificate for request %s: %s is not a regular file", requestID, dest)
	case err == nil:
		rep.backup = filepath.Join(s.root, incomingDir, fmt.Sprintf("%s-%s.bak", requestID, uuid.NewString()))
		if err := os.Rename(dest, rep.backup); err != nil {
			return nil, fmt.Errorf("failed to set aside certificate for request %s: %w", requestID, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to inspect certificate for request %s: %w", requestID, err)
	}

	if err := os.Rename(staged, dest); err != nil {
		if rep.backup != "" {
			os.Rename(rep.backup, dest)
		}
		return nil, fmt.Errorf("failed to store certificate for request %s: %w", requestID, err)
	}
	return rep, nil
}

func (r *Replacement) Path() string {
	return r.dest
}

// Commit drops the previous file.
func (r *Replacement) Commit() {
	if r.backup != "" {
		os.Remove(r.backup)
	}
}

// Rollback removes the new file and restores the previous one, if any.
func (r *Replacement) Rollback() error {
	if err := os.Remove(r.dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", r.dest, err)
	}
	if r.backup == "" {
		return nil
	}
	if err := os.Rename(r.backup, r.dest); err != nil {
		return fmt.Errorf("failed to restore %s: %w", r.dest, err)
	}
	return nil
}

// Discard removes a staged upload that will not be promoted.
func (s *Storage) Discard(staged string) {
	if staged != "" {
		os.Remove(staged)
	}
}

// TempFile reserves a scratch file for a downloaded document. The caller
// must call the returned cleanup.
func (s *Storage) TempFile(pattern string) (string, func(), error) {
	f, err := os.CreateTemp(filepath.Join(s.root, incomingDir), pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, func() { os.Remove(path) }, nil
}
