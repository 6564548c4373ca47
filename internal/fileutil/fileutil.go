// Package fileutil writes files atomically: data goes to a temp file in the
// target directory which is synced and renamed over the destination, so a
// reader sees either the old content or the new one, never a partial write.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteRename atomically replaces fileName with b.
func WriteRename(fileName string, b []byte, perm os.FileMode) error {
	dirName := filepath.Dir(fileName)
	if err := os.MkdirAll(dirName, 0o755); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	tmpfile, err := os.CreateTemp(dirName, "."+filepath.Base(fileName)+".tmp")
	if err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()

	if _, err := tmpfile.Write(b); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	if err := tmpfile.Chmod(perm); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	// Flush to disk before the rename makes the new content visible.
	if err := tmpfile.Sync(); err != nil {
		return fmt.Errorf("WriteRename(%s) failed to sync temp file: %w", fileName, err)
	}
	if err := tmpfile.Close(); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	if err := os.Rename(tmpfile.Name(), fileName); err != nil {
		return fmt.Errorf("WriteRename(%s): %w", fileName, err)
	}
	return DirSync(dirName)
}
