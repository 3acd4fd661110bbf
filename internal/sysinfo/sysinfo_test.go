package sysinfo

import (
	"os"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	a := Snapshot(map[string]string{KeyCatalogDigest: "abc", KeyOS: "plan9"})
	b := Snapshot(nil)

	_, err := uuid.Parse(a[KeyRunID])
	require.NoError(t, err)
	assert.NotEqual(t, a[KeyRunID], b[KeyRunID])
	assert.Equal(t, "abc", a[KeyCatalogDigest])
	assert.Equal(t, runtime.GOOS, a[KeyOS])
	assert.NotEmpty(t, a[KeyHostname])
}

func TestDetectPrivilege(t *testing.T) {
	p := DetectPrivilege()
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.Geteuid() == 0, p == PrivilegeRoot)
	}
	assert.Equal(t, p != PrivilegeUser, p.Elevated())
}
