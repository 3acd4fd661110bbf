package probe

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// autostartSources are the files and globs whose lines run at boot, login or on a schedule.
var autostartSources = []struct {
	glob   string
	kind   string
	prefix string // only lines starting with prefix, after trimming, are commands
}{
	{"/etc/crontab", "cron", ""},
	{"/etc/cron.d/*", "cron", ""},
	{"/var/spool/cron/*", "cron", ""},
	{"/var/spool/cron/crontabs/*", "cron", ""},
	{"/etc/systemd/system/*.service", "systemd", "ExecStart"},
	{"/etc/systemd/system/*/*.service", "systemd", "ExecStart"},
	{"/home/*/.config/systemd/user/*.service", "systemd", "ExecStart"},
	{"/etc/rc.local", "rc", ""},
	{"/etc/profile.d/*.sh", "profile", ""},
}

var downloadTools = []string{"curl ", "wget ", "fetch ", "python -c", "python3 -c"}
var pipeToShell = []string{"| sh", "|sh", "| bash", "|bash", "| python", "|python"}

// Persistence is the registry-layer equivalent for hosts without a registry: it reads
// cron, systemd, rc.local and profile scripts for commands staged in temp roots or
// fetching remote code.
type Persistence struct {
	env Env
}

func NewPersistence(env Env) *Persistence {
	return &Persistence{env: env}
}

func (p *Persistence) Layer() findings.Layer {
	return findings.LayerRegistry
}

func (p *Persistence) Scan(ctx context.Context, c *Collector) error {
	roots := tempRoots(p.env)
	for _, src := range autostartSources {
		resolved, err := p.env.path(src.glob)
		if err != nil {
			return err
		}
		matches, err := filepath.Glob(resolved)
		if err != nil {
			return fmt.Errorf("bad autostart pattern %q: %w", src.glob, err)
		}
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !p.scanFile(c, path, src.kind, src.prefix, roots) {
				return nil
			}
		}
	}
	return nil
}

// scanFile returns false once the collector rejects an observation.
func (p *Persistence) scanFile(c *Collector, path, kind, prefix string, roots []string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if prefix != "" && !strings.HasPrefix(line, prefix) {
			continue
		}
		indicators := p.classify(line, roots)
		if len(indicators) == 0 {
			continue
		}
		o := fileObservation(p.env, "autostart_"+kind, fmt.Sprintf("%s:%d", path, lineNum), info, indicators)
		o.Description = fmt.Sprintf("%s entry at %s line %d: %s", kind, path, lineNum, line)
		o.Attributes["file"] = path
		o.Attributes["line"] = strconv.Itoa(lineNum)
		o.Attributes["command"] = line
		if !c.Add(o) {
			return false
		}
	}
	return true
}

func (p *Persistence) classify(line string, roots []string) []string {
	const layer = findings.LayerRegistry
	lower := strings.ToLower(line) + " "
	var out []string

	if p.env.has("autostart_temp_path", layer) {
		for _, r := range roots {
			if strings.Contains(line, strings.TrimSuffix(r, "/")+"/") {
				out = append(out, "autostart_temp_path")
				break
			}
		}
	}
	if p.env.has("autostart_download_cradle", layer) {
		cradle := containsAny(lower, downloadTools) && containsAny(lower, pipeToShell)
		if cradle || strings.Contains(lower, "/dev/tcp/") || strings.Contains(lower, "base64 -d") {
			out = append(out, "autostart_download_cradle")
		}
	}
	return out
}
