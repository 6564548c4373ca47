//go:build !windows

package publisher

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func signalReload(pid int) error {
	if err := unix.Kill(pid, unix.SIGHUP); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}
