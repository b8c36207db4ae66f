//go:build !linux

package sandbox

import "errors"

func applyLimits(_ int, limits []Rlimit) error {
	if len(limits) > 0 {
		return errors.New("resource limits are only supported on linux")
	}
	return nil
}
