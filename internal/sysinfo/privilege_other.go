//go:build !unix && !windows

package sysinfo

func DetectPrivilege() Privilege {
	return PrivilegeUser
}

func kernelRelease() string {
	return ""
}
