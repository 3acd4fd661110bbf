//go:build windows

package probe

import (
	"context"

	"golang.org/x/sys/windows/registry"
)

var runKeys = []struct {
	root registry.Key
	name string
	path string
}{
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\Microsoft\Windows\CurrentVersion\Run`},
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\Microsoft\Windows\CurrentVersion\RunOnce`},
	{registry.LOCAL_MACHINE, "HKLM", `SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Run`},
	{registry.CURRENT_USER, "HKCU", `SOFTWARE\Microsoft\Windows\CurrentVersion\Run`},
	{registry.CURRENT_USER, "HKCU", `SOFTWARE\Microsoft\Windows\CurrentVersion\RunOnce`},
}

const (
	ifeoPath    = `SOFTWARE\Microsoft\Windows NT\CurrentVersion\Image File Execution Options`
	appInitPath = `SOFTWARE\Microsoft\Windows NT\CurrentVersion\Windows`
)

func readAutostartValues(ctx context.Context) ([]registryValue, error) {
	var out []registryValue

	for _, rk := range runKeys {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		key, err := registry.OpenKey(rk.root, rk.path, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		names, _ := key.ReadValueNames(-1)
		for _, name := range names {
			val, _, err := key.GetStringValue(name)
			if err != nil {
				continue
			}
			out = append(out, registryValue{Key: rk.name + `\` + rk.path, Name: name, Data: val, Class: "run"})
		}
		key.Close()
	}

	if key, err := registry.OpenKey(registry.LOCAL_MACHINE, ifeoPath, registry.ENUMERATE_SUB_KEYS); err == nil {
		exes, _ := key.ReadSubKeyNames(-1)
		key.Close()
		for _, exe := range exes {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			exeKey, err := registry.OpenKey(registry.LOCAL_MACHINE, ifeoPath+`\`+exe, registry.QUERY_VALUE)
			if err != nil {
				continue
			}
			if debugger, _, err := exeKey.GetStringValue("Debugger"); err == nil {
				out = append(out, registryValue{Key: `HKLM\` + ifeoPath + `\` + exe, Name: "Debugger", Data: debugger, Class: "ifeo"})
			}
			exeKey.Close()
		}
	}

	if key, err := registry.OpenKey(registry.LOCAL_MACHINE, appInitPath, registry.QUERY_VALUE); err == nil {
		if dlls, _, err := key.GetStringValue("AppInit_DLLs"); err == nil {
			out = append(out, registryValue{Key: `HKLM\` + appInitPath, Name: "AppInit_DLLs", Data: dlls, Class: "appinit"})
		}
		key.Close()
	}
	return out, nil
}
