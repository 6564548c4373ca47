//go:build windows

package publisher

import "errors"

func signalReload(int) error {
	return errors.New("signal reload is not supported on windows, use reload_url")
}
