//go:build (aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris) && !js

package probe

import "github.com/prometheus/procfs"

// readMaps lists the memory mappings of p.
func readMaps(p procfs.Proc) ([]mapping, error) {
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	out := make([]mapping, 0, len(maps))
	for _, m := range maps {
		mp := mapping{Path: m.Pathname}
		if m.Perms != nil {
			mp.Read, mp.Write, mp.Exec = m.Perms.Read, m.Perms.Write, m.Perms.Execute
		}
		out = append(out, mp)
	}
	return out, nil
}
