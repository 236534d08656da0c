//go:build !linux && !windows

package process

import (
	"errors"
	"syscall"
)

// ParseCapabilities always fails: ambient capabilities are Linux only.
func ParseCapabilities(names []string) ([]uintptr, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return nil, errors.New("capabilities are only supported on linux")
}

func sysProcAttr(spec Spec) (*syscall.SysProcAttr, error) {
	if len(spec.Capabilities) > 0 {
		_, err := ParseCapabilities(spec.Capabilities)
		return nil, err
	}
	return &syscall.SysProcAttr{Setpgid: true, Credential: spec.Credential}, nil
}
