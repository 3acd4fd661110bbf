//go:build windows

package sysinfo

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// DetectPrivilege reports administrator when the process token is elevated.
func DetectPrivilege() Privilege {
	if windows.GetCurrentProcessToken().IsElevated() {
		return PrivilegeAdministrator
	}
	return PrivilegeUser
}

func kernelRelease() string {
	v := windows.RtlGetVersion()
	return fmt.Sprintf("Windows %d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
