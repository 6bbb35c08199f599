//go:build !linux

package procfs

import "rtos_sysmon/internal/host"

// New is only available on Linux.
func New(Options) (*Source, error) {
	return nil, host.ErrUnsupported
}
