//go:build !windows

package fileutil

import "os"

// DirSync flushes directory metadata so a completed rename survives a crash.
func DirSync(dirName string) error {
	f, err := os.Open(dirName)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
