//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	local := os.Getenv("LOCALAPPDATA")
	programData := os.Getenv("ProgramData")
	return []string{
		"governor.yaml",
		filepath.Join(local, "Governor", "governor.yaml"),
		filepath.Join(programData, "Governor", "governor.yaml"),
	}
}
