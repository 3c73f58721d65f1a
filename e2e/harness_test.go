//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memfault/yocto-e2e/internal/config"
	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/memfault"
	"github.com/memfault/yocto-e2e/internal/qemu"
	"github.com/memfault/yocto-e2e/test"
)

type rig struct {
	cfg    *config.Config
	device *qemu.Device
	client *memfault.Client
	serial string
	logger *logging.RuntimeLogger
}

type rigOptions struct {
	// skipMemfaultdWait leaves the test to decide when memfaultd is up.
	skipMemfaultdWait bool
}

// newRig boots a private copy of the CI image, reads the device id and
// tags the device with the test name when the test ends.
func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()
	test.RequireEnv(t,
		"BUILDDIR",
		"MEMFAULT_E2E_API_BASE_URL",
		"MEMFAULT_E2E_ORGANIZATION_SLUG",
		"MEMFAULT_E2E_PROJECT_SLUG",
		"MEMFAULT_E2E_ORG_TOKEN",
	)
	ctx := test.Context(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateBuild())
	require.NoError(t, cfg.ValidateRemote())

	runID := strings.NewReplacer("/", "-", " ", "_").Replace(t.Name())
	runtime, err := logging.New(ctx,
		logging.WithRunID(runID),
		logging.WithMachine(cfg.Machine),
		logging.WithDir(cfg.LogDir),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	consoleLog, err := os.Create(filepath.Join(filepath.Dir(runtime.Path()), "console-"+runID+".log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = consoleLog.Close() })

	image := copyImage(t, qemu.ImagePath(cfg, cfg.Image))
	device, err := qemu.Boot(ctx, cfg, image, qemu.Options{Logfile: consoleLog, Logger: runtime.Logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = device.Close() })

	client, err := memfault.New(cfg.Memfault,
		memfault.WithLogger(runtime.Logger),
		memfault.WithPollInterval(cfg.PollInterval),
	)
	require.NoError(t, err)

	if !opts.skipMemfaultdWait {
		require.NoError(t, device.WaitForMemfaultdStart(ctx))
	}

	serial, err := device.DeviceID(ctx)
	require.NoError(t, err)
	runtime.WithDeviceID(serial)
	t.Logf("MEMFAULT_DEVICE_ID=%s", serial)

	t.Cleanup(func() {
		// The device may not exist remotely when the test never uploaded.
		if err := client.TagDevice(context.Background(), serial, t.Name()); err != nil {
			t.Logf("tag device: %v", err)
		}
	})

	return &rig{cfg: cfg, device: device, client: client, serial: serial, logger: runtime}
}

// run executes cmd and waits for the prompt after it.
func (r *rig) run(t *testing.T, cmd string) {
	t.Helper()
	require.NoError(t, r.device.Run(test.Context(t), cmd), "run %q", cmd)
}

// exec sends cmd without waiting for it to finish.
func (r *rig) exec(t *testing.T, cmd string) {
	t.Helper()
	require.NoError(t, r.device.Exec(test.Context(t), cmd), "exec %q", cmd)
}

func (r *rig) expect(t *testing.T, literals ...string) {
	t.Helper()
	_, err := r.device.Expect(test.Context(t), 0, literals...)
	require.NoError(t, err, "expect %q", literals)
}

// followJournal streams unit's journal to the console in the background.
func (r *rig) followJournal(t *testing.T, unit string) {
	t.Helper()
	r.exec(t, fmt.Sprintf("journalctl --follow --unit=%s &", unit))
}

func copyImage(t *testing.T, src string) string {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err, "open image")
	defer func() { _ = in.Close() }()

	dst := filepath.Join(t.TempDir(), strings.TrimSuffix(filepath.Base(src), ".wic")+".copy.wic")
	out, err := os.Create(dst)
	require.NoError(t, err)
	_, err = io.Copy(out, in)
	require.NoError(t, err, "copy image")
	require.NoError(t, out.Close())
	return dst
}
