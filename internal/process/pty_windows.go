//go:build windows

package process

import "errors"

// PTYRunner is unavailable on Windows; Start always fails.
type PTYRunner struct {
	Shell string
	Cols  uint16
	Rows  uint16
}

// Start implements Runner.
func (r *PTYRunner) Start(Spec) (Process, error) {
	return nil, errors.New("pty runner is not supported on windows")
}
