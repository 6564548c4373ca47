//go:build !windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		"governor.yaml",
		filepath.Join(home, ".config", "governor", "governor.yaml"),
		"/etc/governor/governor.yaml",
	}
}
