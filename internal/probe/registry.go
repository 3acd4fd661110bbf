package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

// tempPathFragments mark autorun commands that launch from user-writable staging areas.
var tempPathFragments = []string{`\temp\`, `\tmp\`, `\appdata\local\temp\`, `\users\public\`, `\programdata\`, `%temp%`}

// scriptHostFragments mark autorun commands that run through a script interpreter.
var scriptHostFragments = []string{
	"powershell", "pwsh", "-enc", "-encodedcommand", "mshta", "wscript", "cscript",
	"rundll32", "regsvr32 /s /n", "regsvr32 /i:http", "cmd /c", "cmd.exe /c",
}

// registryValue is one value read from an autostart location.
type registryValue struct {
	Key   string
	Name  string
	Data  string
	Class string // run, ifeo, appinit
}

// Registry inspects Windows autostart locations.
type Registry struct {
	env  Env
	read func(ctx context.Context) ([]registryValue, error)
}

func NewRegistry(env Env) *Registry {
	return &Registry{env: env, read: readAutostartValues}
}

func (r *Registry) Layer() findings.Layer {
	return findings.LayerRegistry
}

func (r *Registry) Scan(ctx context.Context, c *Collector) error {
	values, err := r.read(ctx)
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		indicators := r.classify(v)
		if len(indicators) == 0 {
			continue
		}
		location := v.Key
		if v.Name != "" {
			location = v.Key + `\` + v.Name
		}
		o := Observation{
			ArtifactType: "registry_" + v.Class,
			Location:     location,
			Description:  fmt.Sprintf("%s = %s", location, v.Data),
			Indicators:   indicators,
			Attributes:   map[string]string{"key": v.Key, "value": v.Name, "data": v.Data},
		}
		if !c.Add(o) {
			return nil
		}
	}
	return nil
}

func (r *Registry) classify(v registryValue) []string {
	const layer = findings.LayerRegistry
	data := strings.TrimSpace(v.Data)
	if data == "" {
		return nil
	}
	lower := strings.ToLower(data)

	var out []string
	switch v.Class {
	case "ifeo":
		if r.env.has("ifeo_debugger", layer) {
			out = append(out, "ifeo_debugger")
		}
	case "appinit":
		if r.env.has("appinit_dlls", layer) {
			out = append(out, "appinit_dlls")
		}
	case "run":
		if containsAny(lower, tempPathFragments) && r.env.has("run_key_temp_path", layer) {
			out = append(out, "run_key_temp_path")
		}
		if containsAny(lower, scriptHostFragments) && r.env.has("run_key_script_host", layer) {
			out = append(out, "run_key_script_host")
		}
	}
	return out
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
