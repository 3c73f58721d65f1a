package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/memfault/yocto-e2e/internal/qemu"
	"github.com/memfault/yocto-e2e/internal/session"
	"github.com/memfault/yocto-e2e/internal/shell"
)

func newBootCommand(a *app) *cobra.Command {
	var (
		waitMemfaultd bool
		runCommands   []string
	)
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the image, log in and optionally run commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, err := a.bootDevice(cmd)
			if err != nil {
				return err
			}
			defer closeDevice(a, device)

			ctx := cmd.Context()
			if waitMemfaultd {
				if err := device.WaitForServiceState(ctx, "memfaultd", shell.StateActive); err != nil {
					return err
				}
			}
			if a.deviceID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "MEMFAULT_DEVICE_ID=%s\n", a.deviceID)
			}
			for _, line := range runCommands {
				out, err := device.Output(ctx, line, 0)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			}
			a.logger.Info("boot finished")
			return nil
		},
	}
	addImageFlag(cmd, a)
	cmd.Flags().BoolVar(&waitMemfaultd, "wait-memfaultd", false, "wait for memfaultd to become active")
	cmd.Flags().StringArrayVar(&runCommands, "run", nil, "shell command to run after login (repeatable)")
	return cmd
}

func newShellCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Boot the image and attach the terminal to its console (Ctrl-] detaches)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, err := a.bootDevice(cmd)
			if err != nil {
				return err
			}
			defer closeDevice(a, device)

			if file, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
				state, err := term.MakeRaw(int(file.Fd()))
				if err != nil {
					return fmt.Errorf("set raw terminal: %w", err)
				}
				defer func() { _ = term.Restore(int(file.Fd()), state) }()
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "connected; press Ctrl-] to detach")
			return device.Session().Interact(cmd.Context(), a.stdin, cmd.OutOrStdout())
		},
	}
	addImageFlag(cmd, a)
	return cmd
}

func newExecCommand(a *app) *cobra.Command {
	var (
		expect  []string
		regexps []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Boot the image, run one command and print its output or a match",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			patterns := make([]session.Pattern, 0, len(expect)+len(regexps))
			for _, literal := range expect {
				patterns = append(patterns, session.Literal(literal))
			}
			for _, expr := range regexps {
				pattern, err := compilePattern(expr)
				if err != nil {
					return err
				}
				patterns = append(patterns, pattern)
			}

			device, err := a.bootDevice(cmd)
			if err != nil {
				return err
			}
			defer closeDevice(a, device)

			ctx := cmd.Context()
			if len(patterns) == 0 {
				out, err := device.Output(ctx, line, timeout)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			}

			if err := device.Exec(ctx, line); err != nil {
				return err
			}
			match, err := device.ExpectPattern(ctx, timeout, patterns...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), match.Text)
			return nil
		},
	}
	addImageFlag(cmd, a)
	cmd.Flags().StringArrayVar(&expect, "expect", nil, "literal to wait for instead of the prompt (repeatable)")
	cmd.Flags().StringArrayVar(&regexps, "expect-regexp", nil, "regular expression to wait for (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "bound on the wait (default: --command-timeout)")
	return cmd
}

func newWaitServiceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait-service <unit> <state>",
		Short: "Boot the image and wait for a systemd unit to reach a state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := shell.ParseServiceState(args[1])
			if err != nil {
				return err
			}
			device, err := a.bootDevice(cmd)
			if err != nil {
				return err
			}
			defer closeDevice(a, device)

			if err := device.WaitForServiceState(cmd.Context(), args[0], state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], state)
			return nil
		},
	}
	addImageFlag(cmd, a)
	cmd.Flags().DurationVar(&a.cfg.ServiceStateTimeout, "timeout", a.cfg.ServiceStateTimeout, "bound on the wait")
	return cmd
}

func newQemuCommandCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qemu-command",
		Short: "Print the emulator command line for the configured build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := qemu.BuildCommand(a.cfg, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(args, " "))
			return nil
		},
	}
	addImageFlag(cmd, a)
	return cmd
}

func addImageFlag(cmd *cobra.Command, a *app) {
	cmd.Flags().StringVar(&a.cfg.Image, "image", a.cfg.Image, "image file name in the deploy directory, or an absolute path")
}

func compilePattern(expr string) (session.Pattern, error) {
	if expr == "" {
		return session.Pattern{}, errors.New("--expect-regexp must not be empty")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return session.Pattern{}, fmt.Errorf("invalid --expect-regexp: %w", err)
	}
	return session.Regexp(re), nil
}

func closeDevice(a *app, device *qemu.Device) {
	if err := device.Close(); err != nil {
		a.logger.With("error", err).Warn("stop emulator")
	}
}
