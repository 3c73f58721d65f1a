package memfault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DataType is the value type of a custom metric.
type DataType string

const (
	DataTypeInt    DataType = "INT"
	DataTypeFloat  DataType = "FLOAT"
	DataTypeString DataType = "STRING"
	DataTypeBool   DataType = "BOOL"
)

// Valid reports whether t is one of the four supported data types.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeInt, DataTypeFloat, DataTypeString, DataTypeBool:
		return true
	default:
		return false
	}
}

// Timestamp accepts the ISO 8601 forms the API emits, with or without a zone.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("decode timestamp %q: unsupported format", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// SoftwareVersion identifies the firmware a device ran.
type SoftwareVersion struct {
	Version      string `json:"version"`
	SoftwareType string `json:"software_type,omitempty"`
}

// RebootEvent is one entry of a device's reboot history.
type RebootEvent struct {
	Time            Timestamp        `json:"time"`
	Reason          int              `json:"reason"`
	SoftwareVersion *SoftwareVersion `json:"software_version,omitempty"`
}

// Report is a metrics report (heartbeat or session).
type Report struct {
	Type         string         `json:"type,omitempty"`
	DeviceSerial string         `json:"device_serial,omitempty"`
	Metrics      map[string]any `json:"metrics"`
	CapturedDate *Timestamp     `json:"captured_date,omitempty"`
}

// HasMetrics reports whether the report carries at least one metric.
func (r Report) HasMetrics() bool {
	return len(r.Metrics) > 0
}

// DeviceRef is the embedded device summary on coredumps.
type DeviceRef struct {
	DeviceSerial string `json:"device_serial"`
}

// Coredump is a processed ELF coredump upload.
type Coredump struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status,omitempty"`
	CreatedDate *Timestamp `json:"created_date,omitempty"`
	Device      *DeviceRef `json:"device,omitempty"`
}

// CustomMetric describes a device attribute key.
type CustomMetric struct {
	ID        int64    `json:"id,omitempty"`
	StringKey string   `json:"string_key"`
	DataType  DataType `json:"data_type"`
}

// AttributeState is the last value written for an attribute.
type AttributeState struct {
	Value       any        `json:"value"`
	UpdatedDate *Timestamp `json:"updated_date,omitempty"`
}

// Attribute pairs a custom metric with its state; State is nil until written.
type Attribute struct {
	CustomMetric CustomMetric    `json:"custom_metric"`
	State        *AttributeState `json:"state"`
}

// Attributes is a device's attribute list.
type Attributes []Attribute

// Values flattens the written attributes into string_key -> value.
func (a Attributes) Values() map[string]any {
	values := make(map[string]any, len(a))
	for _, attribute := range a {
		if attribute.State == nil {
			continue
		}
		values[attribute.CustomMetric.StringKey] = attribute.State.Value
	}
	return values
}

// LogFile is an uploaded log file, addressed by its cid.
type LogFile struct {
	CID         string     `json:"cid"`
	CreatedDate *Timestamp `json:"created_date,omitempty"`
}

// Device is the project's record of one device.
type Device struct {
	ID                     int64      `json:"id,omitempty"`
	DeviceSerial           string     `json:"device_serial"`
	HardwareVersion        string     `json:"hardware_version,omitempty"`
	ReportedConfigRevision *int       `json:"reported_config_revision"`
	AssignedConfigRevision *int       `json:"assigned_config_revision"`
	LastSeen               *Timestamp `json:"last_seen,omitempty"`
}

// ConfigInSync reports whether the device acknowledged its assigned config.
func (d Device) ConfigInSync() bool {
	if d.ReportedConfigRevision == nil || d.AssignedConfigRevision == nil {
		return d.ReportedConfigRevision == nil && d.AssignedConfigRevision == nil
	}
	return *d.ReportedConfigRevision == *d.AssignedConfigRevision
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type attributePatch struct {
	StringKey string `json:"string_key"`
	Value     any    `json:"value"`
}

type customMetricRequest struct {
	StringKey string   `json:"string_key"`
	DataType  DataType `json:"data_type"`
}
