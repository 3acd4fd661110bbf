package probe

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// rotatedSuffixes are the names logrotate and syslog leave behind.
var rotatedSuffixes = []string{".1", ".0", ".1.gz", ".old", "-old"}

// Deletion looks for anti-forensic cleanup: truncated logs, cleared shell history and
// files unlinked while a process still holds them open.
type Deletion struct {
	env Env
}

func NewDeletion(env Env) *Deletion {
	return &Deletion{env: env}
}

func (d *Deletion) Layer() findings.Layer {
	return findings.LayerDeletion
}

func (d *Deletion) Scan(ctx context.Context, c *Collector) error {
	if err := d.scanLogs(ctx, c); err != nil {
		return err
	}
	if c.Full() {
		return nil
	}
	if err := d.scanHistory(ctx, c); err != nil {
		return err
	}
	if c.Full() {
		return nil
	}
	return d.scanOpenDeleted(ctx, c)
}

func (d *Deletion) scanLogs(ctx context.Context, c *Collector) error {
	if !d.env.has("truncated_log", findings.LayerDeletion) {
		return nil
	}
	now := d.env.now()
	recent := time.Duration(d.env.Sweep.RecentThresholdHours) * time.Hour
	gap := time.Duration(d.env.threshold("truncated_log", 3600)) * time.Second

	for _, hostRoot := range config.GetPlatformPaths(d.env.Sweep.LogPaths) {
		root, err := d.env.path(hostRoot)
		if err != nil {
			return err
		}
		err = walk(ctx, d.env.logger(), root, d.env.Sweep.MaxDepthAnalysis, func(path string, de fs.DirEntry) error {
			info, err := de.Info()
			if err != nil || !info.Mode().IsRegular() || info.Size() != 0 {
				return nil
			}
			if now.Sub(info.ModTime()) > recent {
				return nil
			}
			remnant, rinfo, ok := findRemnant(path)
			if !ok || rinfo.Size() == 0 || info.ModTime().Sub(rinfo.ModTime()) < gap {
				return nil
			}
			indicators := []string{"truncated_log"}
			if d.env.has("rotated_remnant", findings.LayerDeletion) {
				indicators = append(indicators, "rotated_remnant")
			}
			o := fileObservation(d.env, "truncated_log", path, info, indicators)
			o.Description = fmt.Sprintf("log %s emptied; remnant %s held %d bytes", path, filepath.Base(remnant), rinfo.Size())
			o.Attributes["remnant"] = remnant
			o.Attributes["prior_size"] = strconv.FormatInt(rinfo.Size(), 10)
			o.Attributes["remnant_mtime"] = rinfo.ModTime().UTC().Format(time.RFC3339Nano)
			if !c.Add(o) {
				return errStop
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func findRemnant(path string) (string, os.FileInfo, bool) {
	for _, suffix := range rotatedSuffixes {
		candidate := path + suffix
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, info, true
		}
	}
	return "", nil, false
}

func (d *Deletion) scanHistory(ctx context.Context, c *Collector) error {
	if !d.env.has("history_cleared", findings.LayerDeletion) {
		return nil
	}
	for _, pattern := range config.GetPlatformPaths(d.env.Sweep.HistoryPaths) {
		resolved, err := d.env.path(pattern)
		if err != nil {
			return err
		}
		matches, err := filepath.Glob(resolved)
		if err != nil {
			return fmt.Errorf("bad history pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			o, ok := d.inspectHistory(path)
			if !ok {
				continue
			}
			if !c.Add(o) {
				return nil
			}
		}
	}
	return nil
}

func (d *Deletion) inspectHistory(path string) (Observation, bool) {
	linfo, err := os.Lstat(path)
	if err != nil {
		return Observation{}, false
	}
	if linfo.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil || target != "/dev/null" {
			return Observation{}, false
		}
		o := fileObservation(d.env, "shell_history", path, linfo, []string{"history_cleared"})
		o.FileSize = nil
		o.Description = fmt.Sprintf("history %s linked to /dev/null", path)
		o.Attributes["target"] = target
		return o, true
	}
	if !linfo.Mode().IsRegular() || linfo.Size() != 0 {
		return Observation{}, false
	}
	o := fileObservation(d.env, "shell_history", path, linfo, []string{"history_cleared"})
	o.Description = fmt.Sprintf("history %s is empty", path)
	return o, true
}

// scanOpenDeleted reports unlinked regular files a process still holds. The content is
// hashed through the descriptor since the path no longer resolves.
func (d *Deletion) scanOpenDeleted(ctx context.Context, c *Collector) error {
	if !d.env.has("deleted_open_file", findings.LayerDeletion) {
		return nil
	}
	procs, err := listProcs(d.env)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		pid := proc.PID
		fds, err := openFiles(d.env, proc)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if !strings.HasSuffix(fd.Target, deletedSuffix) || !strings.HasPrefix(fd.Target, "/") {
				continue
			}
			target := strings.TrimSuffix(fd.Target, deletedSuffix)
			if strings.HasPrefix(target, "/memfd:") || strings.HasSuffix(target, ".so") || strings.Contains(target, ".so.") || seen[target] {
				continue
			}
			seen[target] = true

			o := Observation{
				ArtifactType: "deleted_open_file",
				Location:     target,
				Description:  fmt.Sprintf("pid %d holds unlinked %s on fd %s", pid, target, fd.FD),
				Indicators:   []string{"deleted_open_file"},
				Attributes:   map[string]string{"pid": strconv.Itoa(pid), "fd": fd.FD},
			}
			fdPath := d.env.procPath(pidDir(pid), "fd", fd.FD)
			if info, err := os.Stat(fdPath); err == nil && info.Mode().IsRegular() {
				size := info.Size()
				o.FileSize = &size
				o.Permissions = fmt.Sprintf("%04o", info.Mode().Perm())
				if sum, err := d.env.Digests.File(target, fdPath, info); err == nil {
					o.EvidenceHash = sum
				}
			}
			if !c.Add(o) {
				return nil
			}
		}
	}
	return nil
}
