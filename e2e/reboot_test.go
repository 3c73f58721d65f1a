//go:build e2e

package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memfault/yocto-e2e/test"
)

const (
	reasonUserReset   = 2
	reasonLowPower    = 4
	reasonButtonReset = 6
	reasonKernelPanic = 0x8008

	kernelPanicPollTimeout = 60 * time.Second
)

func TestRebootReasonUserReset(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := test.Context(t)

	require.NoError(t, r.device.Reboot(ctx))
	r.run(t, "memfaultctl sync")

	events, err := r.client.PollRebootEventsUntilCount(ctx, 2, r.serial, nil, r.cfg.PollTimeout)
	require.NoError(t, err)
	require.Equal(t, reasonUserReset, events[len(events)-1].Reason)
}

func TestRebootReasonAlreadyTracked(t *testing.T) {
	r := newRig(t, rigOptions{})

	r.followJournal(t, "memfaultd.service")
	r.exec(t, "systemctl restart memfaultd")

	// A restart must not count the last boot twice.
	r.expect(t, "boot_id already tracked")
}

func TestRebootReasonFromMemfaultctl(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := test.Context(t)

	r.exec(t, "memfaultctl reboot --reason 4")
	require.NoError(t, r.device.WaitForReboot(ctx))
	r.run(t, "memfaultctl sync")

	events, err := r.client.PollRebootEventsUntilCount(ctx, 2, r.serial, nil, r.cfg.PollTimeout)
	require.NoError(t, err)
	require.Equal(t, reasonLowPower, events[len(events)-1].Reason)
}

func TestCustomerRebootReasonFile(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := test.Context(t)

	r.followJournal(t, "memfaultd.service")
	// /media/last_reboot_reason is memfaultd's default reboot.last_reboot_reason_file.
	r.run(t, "echo 6 > /media/last_reboot_reason")
	require.NoError(t, r.device.Reboot(ctx))

	events, err := r.client.PollRebootEventsUntilCount(ctx, 2, r.serial, nil, r.cfg.PollTimeout)
	require.NoError(t, err)
	require.Equal(t, reasonButtonReset, events[len(events)-1].Reason)
}

func TestKernelPanicRebootReason(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := test.Context(t)

	r.followJournal(t, "memfaultd.service")
	// Without a sync the runtime config under /media/memfault is sometimes lost.
	r.run(t, "sync")
	r.run(t, "echo 1 > /proc/sys/kernel/panic")
	r.exec(t, "echo c > /proc/sysrq-trigger")
	require.NoError(t, r.device.Login(ctx))

	events, err := r.client.PollRebootEventsUntilCount(ctx, 2, r.serial, nil, kernelPanicPollTimeout)
	require.NoError(t, err)
	require.Equal(t, reasonKernelPanic, events[len(events)-1].Reason)

	require.NoError(t, r.device.Reboot(ctx))
	events, err = r.client.PollRebootEventsUntilCount(ctx, 3, r.serial, nil, kernelPanicPollTimeout)
	require.NoError(t, err)
	require.Equal(t, reasonUserReset, events[len(events)-1].Reason)
}
