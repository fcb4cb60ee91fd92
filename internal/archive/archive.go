// Package archive rotates an earlier export out of the way before a new
// one is written.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNothingToArchive is returned when the directory does not exist.
var ErrNothingToArchive = errors.New("nothing to archive")

// ArchiveDir moves dir to <parent>/archive/<name>-<timestamp> and returns
// the new path.
func ArchiveDir(dir string, now time.Time) (string, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", dir, ErrNothingToArchive)
	}

	archiveDir := filepath.Join(filepath.Dir(dir), "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	base := filepath.Base(dir)
	archivePath := filepath.Join(archiveDir, fmt.Sprintf("%s-%s", base, now.Format("20060102-150405")))
	if _, err := os.Stat(archivePath); err == nil {
		// Two rotations within a second
		archivePath = filepath.Join(archiveDir, fmt.Sprintf("%s-%s", base, now.Format("20060102-150405.000000")))
	}

	if err := os.Rename(dir, archivePath); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	return archivePath, nil
}
