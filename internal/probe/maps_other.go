//go:build !((aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris) && !js)

package probe

import "github.com/prometheus/procfs"

func readMaps(procfs.Proc) ([]mapping, error) {
	return nil, ErrUnsupported
}
