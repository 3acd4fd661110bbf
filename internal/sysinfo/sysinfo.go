// Package sysinfo describes the host a session runs on.
package sysinfo

import (
	"os"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

// Privilege is the effective privilege of the sweeping process.
type Privilege string

const (
	PrivilegeRoot          Privilege = "root"
	PrivilegeAdministrator Privilege = "administrator"
	PrivilegeUser          Privilege = "user"
)

// Elevated reports whether p may inspect other users' processes and protected keys.
func (p Privilege) Elevated() bool {
	return p == PrivilegeRoot || p == PrivilegeAdministrator
}

// Keys of the system_info snapshot.
const (
	KeyRunID         = "run_id"
	KeyHostname      = "hostname"
	KeyOS            = "os"
	KeyArch          = "arch"
	KeyKernel        = "kernel"
	KeyCPUs          = "num_cpu"
	KeyPID           = "pid"
	KeyGoVersion     = "go_version"
	KeyCatalogDigest = "catalog_digest"
)

// Snapshot captures the immutable host description stored with a session. extra
// entries are added as given and never override the host keys.
func Snapshot(extra map[string]string) map[string]string {
	info := make(map[string]string, 9+len(extra))
	for k, v := range extra {
		info[k] = v
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info[KeyRunID] = uuid.NewString()
	info[KeyHostname] = hostname
	info[KeyOS] = runtime.GOOS
	info[KeyArch] = runtime.GOARCH
	info[KeyCPUs] = strconv.Itoa(runtime.NumCPU())
	info[KeyPID] = strconv.Itoa(os.Getpid())
	info[KeyGoVersion] = runtime.Version()
	if kernel := kernelRelease(); kernel != "" {
		info[KeyKernel] = kernel
	}
	return info
}
