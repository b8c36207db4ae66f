//go:build linux

package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var resourceIDs = map[string]int{
	RLIMIT_AS:     unix.RLIMIT_AS,
	RLIMIT_CPU:    unix.RLIMIT_CPU,
	RLIMIT_CORE:   unix.RLIMIT_CORE,
	RLIMIT_DATA:   unix.RLIMIT_DATA,
	RLIMIT_FSIZE:  unix.RLIMIT_FSIZE,
	RLIMIT_NOFILE: unix.RLIMIT_NOFILE,
	RLIMIT_NPROC:  unix.RLIMIT_NPROC,
	RLIMIT_STACK:  unix.RLIMIT_STACK,
}

func applyLimits(pid int, limits []Rlimit) error {
	var errs []error
	for _, rl := range limits {
		limit := &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Prlimit(pid, resourceIDs[rl.Resource], limit, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rl.Resource, err))
		}
	}
	return errors.Join(errs...)
}
