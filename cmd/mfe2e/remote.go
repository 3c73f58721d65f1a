package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memfault/yocto-e2e/internal/memfault"
)

func newRemoteCommand(a *app) *cobra.Command {
	var count int
	remote := &cobra.Command{
		Use:   "remote",
		Short: "Query the Memfault project for what a device uploaded",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if root := cmd.Root(); root.PersistentPreRunE != nil {
				if err := root.PersistentPreRunE(cmd, nil); err != nil {
					return err
				}
			}
			return a.cfg.ValidateRemote()
		},
	}
	flags := remote.PersistentFlags()
	flags.IntVar(&count, "count", 0, "poll until at least this many items exist")
	flags.DurationVar(&a.cfg.PollTimeout, "timeout", a.cfg.PollTimeout, "bound on polling")
	flags.DurationVar(&a.cfg.PollInterval, "interval", a.cfg.PollInterval, "pause between polls")

	var (
		waitConfig  bool
		withMetrics bool
		download    bool
		want        []string
	)

	device := remoteLeaf(a, "device <serial>", "Show the device record", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		if waitConfig {
			return client.PollDeviceConfigInSync(cmd.Context(), serial, a.cfg.PollTimeout)
		}
		return client.GetDevice(cmd.Context(), serial)
	})
	device.Flags().BoolVar(&waitConfig, "wait-config", false, "poll until the reported config revision matches the assigned one")

	reboots := remoteLeaf(a, "reboots <serial>", "List reboot events, oldest first", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		if count > 0 {
			return client.PollRebootEventsUntilCount(cmd.Context(), count, serial, nil, a.cfg.PollTimeout)
		}
		return client.ListRebootEvents(cmd.Context(), serial, nil, memfault.Status{})
	})

	reports := remoteLeaf(a, "reports <serial>", "List metric reports", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		switch {
		case withMetrics:
			return client.PollReportsWithMetrics(cmd.Context(), serial, a.cfg.PollTimeout)
		case count > 0:
			return client.PollReportsUntilCount(cmd.Context(), count, serial, nil, a.cfg.PollTimeout)
		}
		return client.ListReports(cmd.Context(), url.Values{"device_serial": {serial}}, memfault.Status{})
	})
	reports.Flags().BoolVar(&withMetrics, "with-metrics", false, "poll until a report carries metrics")

	coredumps := remoteLeaf(a, "coredumps <serial>", "List processed coredumps", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		if count > 0 {
			return client.PollCoredumpsUntilCount(cmd.Context(), count, serial, nil, a.cfg.PollTimeout)
		}
		return client.ListCoredumps(cmd.Context(), url.Values{"device": {serial}}, memfault.Status{})
	})

	attributes := remoteLeaf(a, "attributes <serial>", "List device attributes", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		if len(want) > 0 {
			values, err := parseAttributeValues(want)
			if err != nil {
				return nil, err
			}
			return client.PollAttributesUntil(cmd.Context(), serial, values, a.cfg.PollTimeout)
		}
		return client.ListAttributes(cmd.Context(), serial, nil, memfault.Status{})
	})
	attributes.Flags().StringArrayVar(&want, "want", nil, "poll until key=value is set (repeatable; value is JSON or a bare string)")

	logs := remoteLeaf(a, "logs <serial>", "List uploaded log files", func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error) {
		var files []memfault.LogFile
		var err error
		if count > 0 {
			files, err = client.PollLogFilesUntilCount(cmd.Context(), count, serial, a.cfg.PollTimeout)
		} else {
			files, err = client.ListLogFiles(cmd.Context(), serial, nil)
		}
		if err != nil || !download {
			return files, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("device %s has no log files", serial)
		}
		text, err := client.DownloadLogFile(cmd.Context(), serial, newestLogFile(files).CID)
		if err != nil {
			return nil, err
		}
		return rawText(text), nil
	})
	logs.Flags().BoolVar(&download, "download", false, "print the newest log file instead of the list")

	tag := &cobra.Command{
		Use:   "tag <serial> <test-id>",
		Short: "Record a test id in the device's test_id attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.memfaultClient()
			if err != nil {
				return err
			}
			if err := client.TagDevice(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tagged %s with %s\n", args[0], args[1])
			return nil
		},
	}

	remote.AddCommand(device, reboots, reports, coredumps, attributes, logs, tag)
	return remote
}

// newestLogFile picks by created_date; files without one sort first.
func newestLogFile(files []memfault.LogFile) memfault.LogFile {
	newest := files[0]
	for _, file := range files[1:] {
		if file.CreatedDate == nil {
			continue
		}
		if newest.CreatedDate == nil || !file.CreatedDate.Before(newest.CreatedDate.Time) {
			newest = file
		}
	}
	return newest
}

// rawText is printed as is rather than as JSON.
type rawText string

type remoteQuery func(cmd *cobra.Command, client *memfault.Client, serial string) (any, error)

func remoteLeaf(a *app, use, short string, query remoteQuery) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.memfaultClient()
			if err != nil {
				return err
			}
			result, err := query(cmd, client, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}
}

func (a *app) memfaultClient() (*memfault.Client, error) {
	return memfault.New(a.cfg.Memfault,
		memfault.WithLogger(a.logger),
		memfault.WithPollInterval(a.cfg.PollInterval),
	)
}

func printResult(out io.Writer, result any) error {
	if text, ok := result.(rawText); ok {
		_, err := io.WriteString(out, string(text))
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// parseAttributeValues turns key=value pairs into the map PollAttributesUntil
// compares against. Values that are not valid JSON are taken as strings.
func parseAttributeValues(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--want %q: expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		values[key] = value
	}
	return values, nil
}
