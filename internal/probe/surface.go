package probe

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// futureSkew tolerates clock drift before an mtime counts as being in the future.
const futureSkew = 5 * time.Minute

var suspiciousExtensions = map[string]bool{
	".sh": true, ".py": true, ".pl": true, ".elf": true, ".bin": true, ".so": true,
	".exe": true, ".dll": true, ".ps1": true, ".vbs": true, ".bat": true, ".hta": true,
	".scr": true, ".js": true, ".jar": true,
}

// Surface walks the temp roots for recently touched, hidden or executable files.
type Surface struct {
	env Env
}

func NewSurface(env Env) *Surface {
	return &Surface{env: env}
}

func (s *Surface) Layer() findings.Layer {
	return findings.LayerSurface
}

func (s *Surface) Scan(ctx context.Context, c *Collector) error {
	now := s.env.now()
	logger := s.env.logger()

	for _, hostRoot := range tempRoots(s.env) {
		root, err := s.env.path(hostRoot)
		if err != nil {
			return err
		}
		err = walk(ctx, logger, root, s.env.Sweep.MaxDepthAnalysis, func(path string, d fs.DirEntry) error {
			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
			indicators := s.match(info, now)
			if len(indicators) == 0 {
				return nil
			}
			o := fileObservation(s.env, "temp_file", path, info, indicators)
			o.Description = fmt.Sprintf("%s in temp root %s: %s", filepath.Base(path), root, strings.Join(indicators, ", "))
			o.Attributes["root"] = root
			if !c.Add(o) {
				return errStop
			}
			return nil
		})
		if err != nil {
			return err
		}
		if c.Full() {
			return nil
		}
	}
	return nil
}

func (s *Surface) match(info fs.FileInfo, now time.Time) []string {
	const layer = findings.LayerSurface
	var out []string
	name := info.Name()
	mtime := info.ModTime()

	if s.env.has("hidden_filename_prefix", layer) && strings.HasPrefix(name, ".") {
		out = append(out, "hidden_filename_prefix")
	}
	recent := time.Duration(s.env.Sweep.RecentThresholdHours) * time.Hour
	if s.env.has("recent_modification", layer) && recent > 0 && now.Sub(mtime) <= recent && !mtime.After(now.Add(futureSkew)) {
		out = append(out, "recent_modification")
	}
	if s.env.has("executable_in_temp", layer) && isExecutable(info) {
		out = append(out, "executable_in_temp")
	}
	if s.env.has("suspicious_extension", layer) && suspiciousExtensions[strings.ToLower(filepath.Ext(name))] {
		out = append(out, "suspicious_extension")
	}
	if s.env.has("timestomp_anomaly", layer) && s.timestomped(info, now) {
		out = append(out, "timestomp_anomaly")
	}
	if s.env.has("oversized_temp_file", layer) {
		limit := int64(s.env.threshold("oversized_temp_file", 100<<20))
		if info.Size() > limit {
			out = append(out, "oversized_temp_file")
		}
	}
	return out
}

// timestomped flags an mtime in the future, or a whole-second mtime that trails the
// inode change time by more than the indicator threshold.
func (s *Surface) timestomped(info fs.FileInfo, now time.Time) bool {
	mtime := info.ModTime()
	if mtime.After(now.Add(futureSkew)) {
		return true
	}
	ctime, ok := changeTime(info)
	if !ok || mtime.Nanosecond() != 0 {
		return false
	}
	gap := time.Duration(s.env.threshold("timestomp_anomaly", 30*24*3600)) * time.Second
	return ctime.Sub(mtime) > gap
}
