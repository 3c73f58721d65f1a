// Package memfault queries the Memfault project API to assert on what a
// device uploaded.
package memfault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/tracing"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 2048
)

// Config locates a project and the organization token used to read it.
type Config struct {
	BaseURL     string
	OrgSlug     string
	ProjectSlug string
	OrgToken    string
}

// Validate reports the first missing field.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return errors.New("memfault base url is required")
	case strings.TrimSpace(c.OrgSlug) == "":
		return errors.New("memfault organization slug is required")
	case strings.TrimSpace(c.ProjectSlug) == "":
		return errors.New("memfault project slug is required")
	case strings.TrimSpace(c.OrgToken) == "":
		return errors.New("memfault organization token is required")
	}
	return nil
}

// Status is the response status a request must return.
// The zero value means the method's documented default.
type Status struct {
	code int
	any  bool
}

// ExpectStatus requires exactly code.
func ExpectStatus(code int) Status {
	return Status{code: code}
}

// AnyStatus accepts every status.
func AnyStatus() Status {
	return Status{any: true}
}

func (s Status) orDefault(code int) Status {
	if !s.any && s.code == 0 {
		return ExpectStatus(code)
	}
	return s
}

func (s Status) matches(code int) bool {
	return s.any || s.code == code
}

func (s Status) String() string {
	if s.any {
		return "any"
	}
	return fmt.Sprintf("%d", s.code)
}

// HTTPAssertionError reports a response whose status did not meet expectation.
type HTTPAssertionError struct {
	Method string
	URL    string
	Want   string
	Got    int
	Body   string
}

func (e *HTTPAssertionError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d, want %s", e.Method, e.URL, e.Got, e.Want)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + tracing.TruncateOutput(body, maxErrorBodyBytes)
	}
	return msg
}

// IsStatus reports whether err is an HTTPAssertionError for status code.
func IsStatus(err error, code int) bool {
	var assertionErr *HTTPAssertionError
	return errors.As(err, &assertionErr) && assertionErr.Got == code
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the logger used for request and poll records.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrDiscard(logger)
	}
}

// WithPollInterval sets the pause between attempts of the Poll helpers.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// Client talks to one project. It is safe for concurrent use.
type Client struct {
	projectURL   string
	token        string
	httpClient   *http.Client
	logger       *log.Logger
	pollInterval time.Duration
}

// New builds a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse memfault base url: %w", err)
	}

	c := &Client{
		projectURL: fmt.Sprintf("%s/api/v0/organizations/%s/projects/%s",
			base, url.PathEscape(cfg.OrgSlug), url.PathEscape(cfg.ProjectSlug)),
		token:        cfg.OrgToken,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:       logging.Discard(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ProjectURL is the base of every request path.
func (c *Client) ProjectURL() string {
	if c == nil {
		return ""
	}
	return c.projectURL
}

type response struct {
	status int
	body   []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, expect Status) (response, error) {
	if c == nil {
		return response{}, errors.New("memfault client is nil")
	}
	target := c.projectURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	ctx, span := tracing.Start(ctx, "memfault.request",
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	resp, err := c.roundTrip(ctx, method, target, body)
	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.status))
		if !expect.matches(resp.status) {
			err = &HTTPAssertionError{
				Method: method,
				URL:    target,
				Want:   expect.String(),
				Got:    resp.status,
				Body:   string(resp.body),
			}
			tracing.AddOutputEvent(span, "response", string(resp.body))
		}
	}
	tracing.End(span, err)

	c.logger.With("method", method, "path", path, "status", resp.status).Debug("memfault request")
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body any) (response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("encode %s %s body: %w", method, target, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return response{}, fmt.Errorf("build %s %s: %w", method, target, err)
	}
	req.SetBasicAuth("", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read %s %s response: %w", method, target, err)
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func decodeData[T any](resp response) (T, error) {
	var env envelope[T]
	if err := json.Unmarshal(resp.body, &env); err != nil {
		var zero T
		return zero, fmt.Errorf("decode response data: %w", err)
	}
	return env.Data, nil
}

func devicePath(serial string, parts ...string) string {
	path := "/devices/" + url.PathEscape(serial)
	for _, part := range parts {
		path += "/" + part
	}
	return path
}

// ListRebootEvents returns a device's reboot events. The result is nil when
// the response status is not 2xx (only possible with a non-default expect).
func (c *Client) ListRebootEvents(ctx context.Context, serial string, params url.Values, expect Status) ([]RebootEvent, error) {
	resp, err := c.do(ctx, http.MethodGet, devicePath(serial, "reboots"), params, nil, expect.orDefault(http.StatusOK))
	if err != nil || !resp.ok() {
		return nil, err
	}
	return decodeData[[]RebootEvent](resp)
}

// ListReports returns metric reports; empty when the status is not 200.
func (c *Client) ListReports(ctx context.Context, params url.Values, expect Status) ([]Report, error) {
	resp, err := c.do(ctx, http.MethodGet, "/reports", params, nil, expect.orDefault(http.StatusOK))
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return []Report{}, nil
	}
	return decodeData[[]Report](resp)
}

// ListCoredumps returns ELF coredumps; empty when the status is not 200.
func (c *Client) ListCoredumps(ctx context.Context, params url.Values, expect Status) ([]Coredump, error) {
	resp, err := c.do(ctx, http.MethodGet, "/elf_coredumps", params, nil, expect.orDefault(http.StatusOK))
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return []Coredump{}, nil
	}
	return decodeData[[]Coredump](resp)
}

// ListAttributes returns a device's attributes; nil when the status is not 2xx.
func (c *Client) ListAttributes(ctx context.Context, serial string, params url.Values, expect Status) (Attributes, error) {
	resp, err := c.do(ctx, http.MethodGet, devicePath(serial, "attributes"), params, nil, expect.orDefault(http.StatusOK))
	if err != nil || !resp.ok() {
		return nil, err
	}
	return decodeData[Attributes](resp)
}

// PatchDeviceAttributes writes attribute values; the default expectation is 204.
func (c *Client) PatchDeviceAttributes(ctx context.Context, serial string, patch map[string]any, expect Status) error {
	keys := make([]string, 0, len(patch))
	for key := range patch {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	body := make([]attributePatch, 0, len(keys))
	for _, key := range keys {
		body = append(body, attributePatch{StringKey: key, Value: patch[key]})
	}
	_, err := c.do(ctx, http.MethodPatch, devicePath(serial, "attributes"), nil, body, expect.orDefault(http.StatusNoContent))
	return err
}

// CreateCustomMetric registers an attribute key; nil when the status is not 2xx.
func (c *Client) CreateCustomMetric(ctx context.Context, key string, dataType DataType, expect Status) (*CustomMetric, error) {
	if !dataType.Valid() {
		return nil, fmt.Errorf("create custom metric %q: unsupported data type %q", key, dataType)
	}
	body := customMetricRequest{StringKey: key, DataType: dataType}
	resp, err := c.do(ctx, http.MethodPost, "/custom-metrics", nil, body, expect.orDefault(http.StatusOK))
	if err != nil || !resp.ok() {
		return nil, err
	}
	metric, err := decodeData[CustomMetric](resp)
	if err != nil {
		return nil, err
	}
	return &metric, nil
}

// ListLogFiles returns the log files a device uploaded.
func (c *Client) ListLogFiles(ctx context.Context, serial string, params url.Values) ([]LogFile, error) {
	resp, err := c.do(ctx, http.MethodGet, devicePath(serial, "log-files"), params, nil, ExpectStatus(http.StatusOK))
	if err != nil {
		return nil, err
	}
	return decodeData[[]LogFile](resp)
}

// DownloadLogFile returns the text of one uploaded log file.
func (c *Client) DownloadLogFile(ctx context.Context, serial, cid string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, devicePath(serial, "log-files", url.PathEscape(cid), "download"), nil, nil, ExpectStatus(http.StatusOK))
	if err != nil {
		return "", err
	}
	return string(resp.body), nil
}

// GetDevice returns the device record; a missing device is an HTTPAssertionError with status 404.
func (c *Client) GetDevice(ctx context.Context, serial string) (*Device, error) {
	resp, err := c.do(ctx, http.MethodGet, devicePath(serial), nil, nil, ExpectStatus(http.StatusOK))
	if err != nil {
		return nil, err
	}
	device, err := decodeData[Device](resp)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// TagDevice records testID in the device's test_id attribute so runs can be
// found in device search. A metric that already exists (409) and a device
// that does not exist yet (404) are not errors.
func (c *Client) TagDevice(ctx context.Context, serial, testID string) error {
	if _, err := c.CreateCustomMetric(ctx, testIDKey, DataTypeString, ExpectStatus(http.StatusOK)); err != nil && !IsStatus(err, http.StatusConflict) {
		return fmt.Errorf("tag device %s: %w", serial, err)
	}
	err := c.PatchDeviceAttributes(ctx, serial, map[string]any{testIDKey: testID}, Status{})
	if err != nil && !IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("tag device %s: %w", serial, err)
	}
	return nil
}

const testIDKey = "test_id"
