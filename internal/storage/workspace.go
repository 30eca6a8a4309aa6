// Package storage manages the directory that generated and uploaded audio lives in.
//
// Every request gets its own uuid-named file so concurrent requests never
// overwrite each other, and the directory doubles as the /static tree served
// over HTTP.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const filePermissions = 0o600

var (
	// ErrOutsideWorkspace is returned when a caller supplied path escapes the static dir.
	ErrOutsideWorkspace = errors.New("path is outside the static directory")
	// ErrNotAudioFile is returned for uploads without an audio extension.
	ErrNotAudioFile = errors.New("not an audio file")
	// ErrUploadTooLarge is returned when an upload exceeds the configured limit.
	ErrUploadTooLarge = errors.New("upload is too large")
)

// Workspace owns the static directory.
type Workspace struct {
	root string
	log  *logger.Logger
}

// NewWorkspace creates the directory if needed and returns a Workspace rooted at it.
func NewWorkspace(root string, log *logger.Logger) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve absolute path for %q: %w", root, err)
	}

	err = EnsureDir(absRoot)
	if err != nil {
		return nil, err
	}

	return &Workspace{root: absRoot, log: log}, nil
}

// Root returns the absolute static directory.
func (w *Workspace) Root() string {
	return w.root
}

// NewOutputPath returns a fresh absolute path "<prefix>-<uuid><ext>" inside the workspace.
func (w *Workspace) NewOutputPath(prefix, ext string) string {
	name := fmt.Sprintf("%s-%s%s", SanitizeFilename(prefix), uuid.NewString(), ext)

	return filepath.Join(w.root, name)
}

// Name returns path relative to the workspace root, with forward slashes.
func (w *Workspace) Name(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.Base(path)
	}

	return filepath.ToSlash(rel)
}

// Resolve maps a caller supplied path onto the workspace. Relative paths are
// taken relative to the root; "/static/" URL prefixes are accepted. The result
// must stay inside the root.
func (w *Workspace) Resolve(userPath string) (string, error) {
	cleaned := strings.TrimSpace(userPath)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideWorkspace)
	}

	cleaned = strings.TrimPrefix(cleaned, "/static/")

	candidate := cleaned
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}

	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(w.root, candidate)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, userPath)
	}

	return candidate, nil
}

// SaveUpload copies at most limit bytes from reader into a new file named after
// the original upload. limit <= 0 disables the size check.
func (w *Workspace) SaveUpload(reader io.Reader, originalName string, limit int64) (string, error) {
	if !IsAudioFile(originalName) {
		return "", fmt.Errorf("%w: %q", ErrNotAudioFile, originalName)
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	path := w.NewOutputPath("upload", ext)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	src := reader
	if limit > 0 {
		src = io.LimitReader(reader, limit+1)
	}

	written, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	if copyErr == nil && limit > 0 && written > limit {
		copyErr = fmt.Errorf("%w: limit %s", ErrUploadTooLarge, FormatFileSize(limit))
	}

	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		w.remove(path)

		return "", fmt.Errorf("failed to store upload: %w", copyErr)
	}

	return path, nil
}

// Remove deletes a file inside the workspace, ignoring files that are already gone.
func (w *Workspace) Remove(path string) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return
	}

	w.remove(resolved)
}

func (w *Workspace) remove(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && w.log != nil {
		w.log.Warn("Failed to remove file '%s': %v", path, err)
	}
}

// Sweep removes regular files older than maxAge and returns how many were removed.
func (w *Workspace) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", w.root, err)
	}

	removed := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if now.Sub(info.ModTime()) < maxAge {
			continue
		}

		rmErr := os.Remove(filepath.Join(w.root, entry.Name()))
		if rmErr == nil {
			removed++
		}
	}

	return removed, nil
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (w *Workspace) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := w.Sweep(maxAge, now)
			if err != nil {
				if w.log != nil {
					w.log.Error("Janitor sweep failed: %v", err)
				}

				continue
			}

			if removed > 0 && w.log != nil {
				w.log.Info("Janitor removed %d expired audio files", removed)
			}
		}
	}
}
