package probe

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Memory looks for fileless execution: memfd objects, anonymous RWX mappings and
// executables staged in shared memory.
type Memory struct {
	env Env
}

func NewMemory(env Env) *Memory {
	return &Memory{env: env}
}

func (m *Memory) Layer() findings.Layer {
	return findings.LayerMemory
}

func (m *Memory) Scan(ctx context.Context, c *Collector) error {
	procs, err := listProcs(m.env)
	if err != nil {
		return err
	}
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		o, ok := m.inspect(proc)
		if !ok {
			continue
		}
		if !c.Add(o) {
			return nil
		}
	}
	return m.scanShm(ctx, c)
}

type mapping struct {
	Path              string
	Read, Write, Exec bool
}

func (m *Memory) inspect(proc procfs.Proc) (Observation, bool) {
	const layer = findings.LayerMemory
	pid := proc.PID
	maps, err := readMaps(proc)
	if err != nil {
		return Observation{}, false
	}

	var indicators []string
	var memfdName string
	rwx := 0
	for _, mp := range maps {
		switch {
		case strings.HasPrefix(mp.Path, "/memfd:") || strings.HasPrefix(mp.Path, "memfd:"):
			if mp.Exec {
				memfdName = memfdLabel(mp.Path)
				indicators = append(indicators, "executable_memfd")
			}
		case mp.Path == "" && mp.Read && mp.Write && mp.Exec:
			rwx++
		}
	}
	if rwx > 0 {
		indicators = append(indicators, "anonymous_rwx")
	}

	targets, _ := proc.FileDescriptorTargets()
	memfds := 0
	for _, target := range targets {
		if strings.HasPrefix(target, "/memfd:") {
			memfds++
			if memfdName == "" {
				memfdName = memfdLabel(target)
			}
		}
	}
	if memfds > 0 {
		indicators = append(indicators, "memfd_descriptor")
	}

	var kept []string
	for _, ind := range indicators {
		if m.env.has(ind, layer) {
			kept = append(kept, ind)
		}
	}
	if len(kept) == 0 {
		return Observation{}, false
	}

	st, _ := proc.Stat()
	exe, _, _ := executable(proc)
	location := memfdName
	if location == "" {
		location = exe
	}
	if location == "" {
		location = "pid:" + strconv.Itoa(pid)
	}
	return Observation{
		ArtifactType: "process_memory",
		Location:     location,
		Description:  fmt.Sprintf("pid %d (%s): %d anonymous rwx regions, %d memfd descriptors", pid, st.Comm, rwx, memfds),
		Indicators:   kept,
		Attributes: map[string]string{
			"pid":            strconv.Itoa(pid),
			"comm":           st.Comm,
			"exe":            exe,
			"rwx_regions":    strconv.Itoa(rwx),
			"memfd_openings": strconv.Itoa(memfds),
		},
	}, true
}

// memfdLabel turns "/memfd:payload (deleted)" into "memfd:payload".
func memfdLabel(p string) string {
	p = strings.TrimSuffix(p, deletedSuffix)
	return strings.TrimPrefix(p, "/")
}

// scanShm reports objects in /dev/shm; executables there are staged payloads.
func (m *Memory) scanShm(ctx context.Context, c *Collector) error {
	const layer = findings.LayerMemory
	root, err := m.env.path("/dev/shm")
	if err != nil {
		return err
	}
	return walk(ctx, m.env.logger(), root, 1, func(path string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		var indicators []string
		if m.env.has("shm_object", layer) {
			indicators = append(indicators, "shm_object")
		}
		if (isExecutable(info) || hasELFMagic(path)) && m.env.has("shm_executable", layer) {
			indicators = append(indicators, "shm_executable")
		}
		if len(indicators) == 0 {
			return nil
		}
		o := fileObservation(m.env, "shm_object", path, info, indicators)
		o.Description = fmt.Sprintf("shared memory object %s", filepath.Base(path))
		if !c.Add(o) {
			return errStop
		}
		return nil
	})
}

func hasELFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, len(elfMagic))
	if _, err := f.Read(head); err != nil {
		return false
	}
	return string(head) == string(elfMagic)
}
