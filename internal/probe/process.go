package probe

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// cmdlinePatterns are lower-case fragments of download cradles and reverse shells.
var cmdlinePatterns = []string{
	"curl ", "wget ", "| sh", "|sh", "| bash", "bash -i", "nc -e", "ncat -e", "/dev/tcp/",
	"base64 -d", "base64 --decode", "python -c", "python3 -c", "perl -e", "socat ", "mkfifo ",
}

// Process inspects running processes for unlinked images, preload injection and
// binaries started from temp roots.
type Process struct {
	env Env
}

func NewProcess(env Env) *Process {
	return &Process{env: env}
}

func (p *Process) Layer() findings.Layer {
	return findings.LayerProcess
}

func (p *Process) Scan(ctx context.Context, c *Collector) error {
	if err := p.scanPreloadConfig(c); err != nil {
		return err
	}

	procs, err := listProcs(p.env)
	if err != nil {
		return err
	}
	roots := tempRoots(p.env)
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, ok := p.inspect(proc, roots)
		if !ok {
			continue
		}
		if !c.Add(o) {
			return nil
		}
	}
	return nil
}

// scanPreloadConfig reports a populated /etc/ld.so.preload.
func (p *Process) scanPreloadConfig(c *Collector) error {
	if !p.env.has("preload_injection", findings.LayerProcess) {
		return nil
	}
	path, err := p.env.path("/etc/ld.so.preload")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	libs := strings.Fields(string(data))
	if len(libs) == 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	o := fileObservation(p.env, "preload_config", path, info, []string{"preload_injection"})
	o.Description = fmt.Sprintf("global preload libraries: %s", strings.Join(libs, " "))
	o.Attributes["libraries"] = strings.Join(libs, ":")
	c.Add(o)
	return nil
}

func (p *Process) inspect(proc procfs.Proc, roots []string) (Observation, bool) {
	const layer = findings.LayerProcess
	pid := proc.PID
	st, err := proc.Stat()
	if err != nil {
		return Observation{}, false
	}
	exe, deleted, err := executable(proc)
	if err != nil || exe == "" {
		// kernel threads and processes we may not inspect
		return Observation{}, false
	}
	cmdline, _ := proc.CmdLine()
	environ, _ := proc.Environ()

	var indicators []string
	attrs := map[string]string{
		"pid":  strconv.Itoa(pid),
		"ppid": strconv.Itoa(st.PPID),
		"comm": st.Comm,
		"exe":  exe,
	}
	if len(cmdline) > 0 {
		attrs["cmdline"] = strings.Join(cmdline, " ")
	}

	if deleted && p.env.has("deleted_executable", layer) {
		indicators = append(indicators, "deleted_executable")
	}
	if preload, ok := envValue(environ, "LD_PRELOAD"); ok && preload != "" && p.env.has("preload_injection", layer) {
		indicators = append(indicators, "preload_injection")
		attrs["ld_preload"] = preload
	}
	if root, ok := underAny(exe, roots); ok && p.env.has("temp_executable_path", layer) {
		indicators = append(indicators, "temp_executable_path")
		attrs["temp_root"] = root
	}
	if pattern, ok := matchCmdline(cmdline); ok && p.env.has("suspicious_cmdline", layer) {
		indicators = append(indicators, "suspicious_cmdline")
		attrs["cmdline_pattern"] = strings.TrimSpace(pattern)
	}
	// A process adopted by init that still holds a terminal outlived its session.
	if st.PPID == 1 && st.TTY != 0 && p.env.has("orphaned_process", layer) {
		indicators = append(indicators, "orphaned_process")
	}
	if len(indicators) == 0 {
		return Observation{}, false
	}

	desc := fmt.Sprintf("pid %d (%s) running %s", pid, st.Comm, exe)
	if deleted {
		desc += " (unlinked)"
	}
	return Observation{
		ArtifactType: "process",
		Location:     exe,
		Description:  desc,
		Indicators:   indicators,
		Attributes:   attrs,
	}, true
}

func matchCmdline(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	line := strings.ToLower(strings.Join(args, " ")) + " "
	for _, pattern := range cmdlinePatterns {
		if strings.Contains(line, pattern) {
			return pattern, true
		}
	}
	return "", false
}
