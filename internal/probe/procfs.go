package probe

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const deletedSuffix = " (deleted)"

type fdLink struct {
	FD     string
	Target string
}

// procFS opens the configured proc root.
func (e Env) procFS() (procfs.FS, error) {
	fs, err := procfs.NewFS(e.procPath())
	if err != nil {
		return procfs.FS{}, fmt.Errorf("failed to open proc root: %w", err)
	}
	return fs, nil
}

// listProcs returns the processes under the proc root in ascending pid order.
func listProcs(env Env) (procfs.Procs, error) {
	fs, err := env.procFS()
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs, nil
}

func pidDir(pid int) string {
	return strconv.Itoa(pid)
}

// executable returns the image path and whether it was unlinked. Kernel threads
// have no image and yield an empty path.
func executable(p procfs.Proc) (string, bool, error) {
	target, err := p.Executable()
	if err != nil {
		return "", false, err
	}
	if strings.HasSuffix(target, deletedSuffix) {
		return strings.TrimSuffix(target, deletedSuffix), true, nil
	}
	return target, false, nil
}

func envValue(environ []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// openFiles pairs each descriptor of p with its link target, in descriptor order.
func openFiles(env Env, p procfs.Proc) ([]fdLink, error) {
	fds, err := p.FileDescriptors()
	if err != nil {
		return nil, err
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	out := make([]fdLink, 0, len(fds))
	for _, fd := range fds {
		n := strconv.FormatUint(uint64(fd), 10)
		target, err := os.Readlink(env.procPath(pidDir(p.PID), "fd", n))
		if err != nil {
			continue
		}
		out = append(out, fdLink{FD: n, Target: target})
	}
	return out, nil
}
