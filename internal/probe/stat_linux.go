//go:build linux

package probe

import (
	"os"
	"syscall"
	"time"
)

// changeTime returns the inode change time when the platform exposes it.
func changeTime(info os.FileInfo) (time.Time, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)), true
}
