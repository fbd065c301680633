package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StagedFile is the source file written for one task.
// The name is random so concurrent tasks never collide in the staging directory.
type StagedFile struct {
	Name     string
	Path     string
	Contents string
}

// Stager writes and removes staged files under a single directory that the
// sandbox runtime bind-mounts.
type Stager struct {
	dir    string
	logger *slog.Logger
}

// NewStager creates dir if needed. The directory must be readable by the sandbox user.
func NewStager(dir string, logger *slog.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{dir: dir, logger: logger.With("component", "stager")}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string { return s.dir }

// Stage writes code to a fresh file with the given extension.
func (s *Stager) Stage(code, extension string) (StagedFile, error) {
	name := uuid.NewString() + extension
	f := StagedFile{
		Name:     name,
		Path:     filepath.Join(s.dir, name),
		Contents: code,
	}
	// O_EXCL so a name collision fails loudly instead of sharing a file.
	fh, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return StagedFile{}, fmt.Errorf("stage %s: %w", name, err)
	}
	if _, err := fh.WriteString(code); err != nil {
		fh.Close()
		os.Remove(f.Path)
		return StagedFile{}, fmt.Errorf("stage %s: %w", name, err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(f.Path)
		return StagedFile{}, fmt.Errorf("stage %s: %w", name, err)
	}
	return f, nil
}

// Remove deletes a staged file. Errors are logged, never returned.
func (s *Stager) Remove(f StagedFile) {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove staged file", "file", f.Name, "error", err)
	}
}
