//go:build windows

package fileutil

// DirSync is a no-op on Windows where directories cannot be opened for sync.
func DirSync(string) error { return nil }
