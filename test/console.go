package test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memfault/yocto-e2e/internal/session"
)

// FixtureHost is the hostname the console fixture shows in its prompts.
const FixtureHost = "qemuarm64"

// consoleScript emulates a serial console: a login prompt followed by a root
// shell that echoes each line when it reads it, like a line-editing shell.
// `reboot` prints the kernel restart banner and starts over at login.
const consoleScript = `stty -echo 2>/dev/null
reboot() {
	printf 'reboot: Restarting system\n'
	exec /bin/sh "$MFE2E_FIXTURE_DIR/console.sh"
}
printf '%s login: ' "$MFE2E_FIXTURE_HOST"
IFS= read -r user || exit 0
printf '%s\n' "$user"
while :; do
	printf '%s@%s:~# ' "$user" "$MFE2E_FIXTURE_HOST"
	IFS= read -r line || exit 0
	printf '%s\n' "$line"
	eval "$line"
done
`

// systemctlScript answers is-active from the states file, one line per call;
// the last line repeats.
const systemctlScript = `#!/bin/sh
[ "$1" = "is-active" ] || exit 1
f="$MFE2E_FIXTURE_DIR/states"
first=$(head -n 1 "$f")
rest=$(tail -n +2 "$f")
if [ -n "$rest" ]; then
	printf '%s\n' "$rest" > "$f"
fi
printf '%s\n' "$first"
`

// journalctlScript prints the journal file and then follows forever.
const journalctlScript = `#!/bin/sh
cat "$MFE2E_FIXTURE_DIR/journal" 2>/dev/null
exec sleep 30
`

// Console is a scripted login shell with fake systemctl and journalctl.
type Console struct {
	Dir    string
	Script string
	Env    []string
}

// NewConsole prepares a console fixture whose systemctl reports states in order.
func NewConsole(t *testing.T, states ...string) *Console {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")

	script := WriteFile(t, dir, "console.sh", consoleScript, 0o600)
	WriteFile(t, binDir, "systemctl", systemctlScript, 0o700)
	WriteFile(t, binDir, "journalctl", journalctlScript, 0o700)

	c := &Console{
		Dir:    dir,
		Script: script,
		Env: append(os.Environ(),
			"PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"),
			"MFE2E_FIXTURE_DIR="+dir,
			"MFE2E_FIXTURE_HOST="+FixtureHost,
		),
	}
	if len(states) == 0 {
		states = []string{"active"}
	}
	c.SetStates(t, states...)
	c.SetJournal(t)
	return c
}

// SetStates replaces the queue of states systemctl will report.
func (c *Console) SetStates(t *testing.T, states ...string) {
	t.Helper()
	WriteFile(t, c.Dir, "states", strings.Join(states, "\n")+"\n", 0o600)
}

// SetJournal replaces the lines journalctl prints before following.
func (c *Console) SetJournal(t *testing.T, lines ...string) {
	t.Helper()
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	WriteFile(t, c.Dir, "journal", content, 0o600)
}

// SetDeviceID installs a memfault-device-info that reports serial.
func (c *Console) SetDeviceID(t *testing.T, serial string) {
	t.Helper()
	script := "#!/bin/sh\nprintf 'MEMFAULT_DEVICE_ID=%s\\nMEMFAULT_HARDWARE_VERSION=%s\\n' '" + serial + "' '" + FixtureHost + "'\n"
	WriteFile(t, filepath.Join(c.Dir, "bin"), "memfault-device-info", script, 0o700)
}

// Command returns the executable and arguments that start the fixture.
func (c *Console) Command() (string, []string) {
	return "/bin/sh", []string{c.Script}
}

// Spawn starts the fixture on a PTY and closes it when the test ends.
func (c *Console) Spawn(t *testing.T, timeout time.Duration) *session.Session {
	t.Helper()
	name, args := c.Command()
	s, err := session.Spawn(context.Background(), name, args, session.Options{
		Timeout:     timeout,
		GracePeriod: 500 * time.Millisecond,
		Env:         c.Env,
	})
	require.NoError(t, err, "failed to spawn console fixture")
	t.Cleanup(func() { _ = s.Close() })
	return s
}
