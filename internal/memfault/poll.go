package memfault

import (
	"context"
	"net/url"
	"reflect"
	"sort"
	"time"

	"github.com/memfault/yocto-e2e/internal/poll"
)

const defaultPollInterval = poll.DefaultInterval

func (c *Client) pollOptions(name string, timeout time.Duration) poll.Options {
	return poll.Options{
		Timeout:  timeout,
		Interval: c.pollInterval,
		Name:     name,
		Logger:   c.logger,
	}
}

func cloneParams(params url.Values) url.Values {
	cloned := url.Values{}
	for key, values := range params {
		cloned[key] = append([]string(nil), values...)
	}
	return cloned
}

// PollRebootEventsUntilCount waits until the device has at least count
// reboot events and returns them oldest first.
func (c *Client) PollRebootEventsUntilCount(ctx context.Context, count int, serial string, params url.Values, timeout time.Duration) ([]RebootEvent, error) {
	return poll.Until(ctx, func(ctx context.Context) ([]RebootEvent, error) {
		events, err := c.ListRebootEvents(ctx, serial, params, AnyStatus())
		if err != nil {
			return nil, poll.NotReady("list reboot events: %w", err)
		}
		if events == nil {
			return nil, poll.NotReady("no reboot event list for device %s", serial)
		}
		if len(events) < count {
			return nil, poll.NotReady("got %d reboot events, want at least %d", len(events), count)
		}
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Time.Before(events[j].Time.Time)
		})
		return events, nil
	}, c.pollOptions("reboot_events", timeout))
}

// PollReportsUntilCount waits for at least count reports, filtered to serial
// when it is set.
func (c *Client) PollReportsUntilCount(ctx context.Context, count int, serial string, params url.Values, timeout time.Duration) ([]Report, error) {
	query := cloneParams(params)
	if serial != "" {
		query.Set("device_serial", serial)
	}
	return poll.Until(ctx, func(ctx context.Context) ([]Report, error) {
		reports, err := c.ListReports(ctx, query, AnyStatus())
		if err != nil {
			return nil, poll.NotReady("list reports: %w", err)
		}
		if len(reports) < count {
			return nil, poll.NotReady("got %d reports, want at least %d", len(reports), count)
		}
		return reports, nil
	}, c.pollOptions("reports", timeout))
}

// PollReportsWithMetrics waits until one of the device's reports carries
// metrics. Heartbeats can arrive empty, so a bare count is not enough.
func (c *Client) PollReportsWithMetrics(ctx context.Context, serial string, timeout time.Duration) ([]Report, error) {
	query := url.Values{}
	query.Set("device_serial", serial)
	return poll.Until(ctx, func(ctx context.Context) ([]Report, error) {
		reports, err := c.ListReports(ctx, query, AnyStatus())
		if err != nil {
			return nil, poll.NotReady("list reports: %w", err)
		}
		for _, report := range reports {
			if report.HasMetrics() {
				return reports, nil
			}
		}
		return nil, poll.NotReady("%d reports, none with metrics", len(reports))
	}, c.pollOptions("reports_with_metrics", timeout))
}

// PollCoredumpsUntilCount waits for at least count coredumps, filtered to
// serial when it is set.
func (c *Client) PollCoredumpsUntilCount(ctx context.Context, count int, serial string, params url.Values, timeout time.Duration) ([]Coredump, error) {
	query := cloneParams(params)
	if serial != "" {
		query.Set("device", serial)
	}
	return poll.Until(ctx, func(ctx context.Context) ([]Coredump, error) {
		coredumps, err := c.ListCoredumps(ctx, query, AnyStatus())
		if err != nil {
			return nil, poll.NotReady("list coredumps: %w", err)
		}
		if len(coredumps) < count {
			return nil, poll.NotReady("got %d coredumps, want at least %d", len(coredumps), count)
		}
		return coredumps, nil
	}, c.pollOptions("coredumps", timeout))
}

// PollLogFilesUntilCount waits until the device uploaded at least count log files.
func (c *Client) PollLogFilesUntilCount(ctx context.Context, count int, serial string, timeout time.Duration) ([]LogFile, error) {
	return poll.Until(ctx, func(ctx context.Context) ([]LogFile, error) {
		logFiles, err := c.ListLogFiles(ctx, serial, nil)
		if err != nil {
			return nil, poll.NotReady("list log files: %w", err)
		}
		if len(logFiles) < count {
			return nil, poll.NotReady("got %d log files, want at least %d", len(logFiles), count)
		}
		return logFiles, nil
	}, c.pollOptions("log_files", timeout))
}

// PollAttributesUntil waits until every key in want has the wanted value.
// Numbers compare by value, so want may use Go ints for JSON numbers.
func (c *Client) PollAttributesUntil(ctx context.Context, serial string, want map[string]any, timeout time.Duration) (Attributes, error) {
	return poll.Until(ctx, func(ctx context.Context) (Attributes, error) {
		attributes, err := c.ListAttributes(ctx, serial, nil, AnyStatus())
		if err != nil {
			return nil, poll.NotReady("list attributes: %w", err)
		}
		if len(attributes) == 0 {
			return nil, poll.NotReady("device %s has no attributes", serial)
		}
		values := attributes.Values()
		for key, wanted := range want {
			got, ok := values[key]
			if !ok {
				return nil, poll.NotReady("attribute %s not written", key)
			}
			if !sameValue(got, wanted) {
				return nil, poll.NotReady("attribute %s = %#v, want %#v", key, got, wanted)
			}
		}
		return attributes, nil
	}, c.pollOptions("attributes", timeout))
}

// PollDeviceConfigInSync waits until the device reports its assigned config revision.
func (c *Client) PollDeviceConfigInSync(ctx context.Context, serial string, timeout time.Duration) (*Device, error) {
	return poll.Until(ctx, func(ctx context.Context) (*Device, error) {
		device, err := c.GetDevice(ctx, serial)
		if err != nil {
			return nil, poll.NotReady("get device: %w", err)
		}
		if !device.ConfigInSync() {
			return nil, poll.NotReady("device %s config revision not acknowledged", serial)
		}
		return device, nil
	}, c.pollOptions("device_config", timeout))
}

func sameValue(got, want any) bool {
	gotNumber, gotIsNumber := asFloat(got)
	wantNumber, wantIsNumber := asFloat(want)
	if gotIsNumber || wantIsNumber {
		return gotIsNumber && wantIsNumber && gotNumber == wantNumber
	}
	return reflect.DeepEqual(got, want)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
