package probe

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// errStop ends a walk early without an error.
var errStop = stderrors.New("stop walk")

// walk visits regular entries below root up to maxDepth directory levels.
// Unreadable directories are skipped; a missing root is not an error.
func walk(ctx context.Context, logger hclog.Logger, root string, maxDepth int, fn func(path string, d fs.DirEntry) error) error {
	root = filepath.Clean(root)
	base := strings.Count(root, string(filepath.Separator))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root && stderrors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			logger.Debug("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if maxDepth > 0 && path != root && strings.Count(path, string(filepath.Separator))-base >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		return fn(path, d)
	})
	if stderrors.Is(err, errStop) {
		return nil
	}
	return err
}

// tempRoots returns the platform temp roots as host paths.
func tempRoots(env Env) []string {
	return config.GetPlatformPaths(env.Sweep.TempPaths)
}

// underAny reports whether path lies inside one of roots.
func underAny(path string, roots []string) (string, bool) {
	clean := filepath.Clean(path)
	for _, r := range roots {
		r = filepath.Clean(r)
		if clean == r || strings.HasPrefix(clean, r+string(filepath.Separator)) {
			return r, true
		}
	}
	return "", false
}

var windowsExecutableExt = map[string]bool{".exe": true, ".dll": true, ".scr": true, ".com": true, ".sys": true}

func isExecutable(info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return windowsExecutableExt[strings.ToLower(filepath.Ext(info.Name()))]
	}
	return info.Mode().Perm()&0o111 != 0
}

// fileObservation fills the filesystem attributes of an observation.
func fileObservation(env Env, artifactType, path string, info os.FileInfo, indicators []string) Observation {
	size := info.Size()
	o := Observation{
		ArtifactType: artifactType,
		Location:     path,
		Indicators:   indicators,
		FileSize:     &size,
		Permissions:  fmt.Sprintf("%04o", info.Mode().Perm()),
		Attributes: map[string]string{
			"mtime": info.ModTime().UTC().Format(time.RFC3339Nano),
			"mode":  info.Mode().String(),
		},
	}
	if ctime, ok := changeTime(info); ok {
		o.Attributes["ctime"] = ctime.UTC().Format(time.RFC3339Nano)
	}
	if sum, err := env.Digests.File(path, "", info); err != nil {
		env.logger().Debug("failed to hash evidence", "path", path, "error", err)
	} else {
		o.EvidenceHash = sum
	}
	return o
}
