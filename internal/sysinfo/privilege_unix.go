//go:build unix

package sysinfo

import "golang.org/x/sys/unix"

// DetectPrivilege reports root when the effective user id is 0.
func DetectPrivilege() Privilege {
	if unix.Geteuid() == 0 {
		return PrivilegeRoot
	}
	return PrivilegeUser
}

func kernelRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Sysname[:]) + " " + unix.ByteSliceToString(u.Release[:])
}
