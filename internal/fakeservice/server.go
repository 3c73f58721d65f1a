// Package fakeservice serves an in-memory stand-in for the Memfault project
// API. Tests seed it with device data and script how many list calls come
// back empty before the data becomes visible.
package fakeservice

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/memfault/yocto-e2e/internal/logging"
	"github.com/memfault/yocto-e2e/internal/memfault"
)

// Route names accepted by SetReadyAfter and Calls.
const (
	RouteDevice        = "device"
	RouteReboots       = "reboots"
	RouteReports       = "reports"
	RouteCoredumps     = "elf_coredumps"
	RouteAttributes    = "attributes"
	RouteLogFiles      = "log-files"
	RouteLogDownload   = "log-download"
	RouteCustomMetrics = "custom-metrics"
)

// Options configures a Server.
type Options struct {
	OrgSlug     string
	ProjectSlug string
	// Token is the organization token clients must send as the basic auth password.
	Token  string
	Logger *log.Logger
}

// Server is the fake API. Its methods are safe for concurrent use.
type Server struct {
	opts   Options
	logger *log.Logger

	mu            sync.Mutex
	devices       map[string]*deviceRecord
	reports       []memfault.Report
	coredumps     []memfault.Coredump
	customMetrics map[string]memfault.CustomMetric
	readyAfter    map[string]int
	calls         map[string]int
	nextID        int64
}

type deviceRecord struct {
	device     memfault.Device
	reboots    []memfault.RebootEvent
	attributes map[string]memfault.AttributeState
	logFiles   []storedLogFile
}

type storedLogFile struct {
	file    memfault.LogFile
	content string
}

// New returns an empty fake service.
func New(opts Options) *Server {
	return &Server{
		opts:          opts,
		logger:        logging.OrDiscard(opts.Logger),
		devices:       map[string]*deviceRecord{},
		customMetrics: map[string]memfault.CustomMetric{},
		readyAfter:    map[string]int{},
		calls:         map[string]int{},
	}
}

// Handler routes the project API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/api/v0/organizations/{org}/projects/{project}", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.requireProject)

		r.Get("/devices/{serial}", s.getDevice)
		r.Get("/devices/{serial}/reboots", s.listReboots)
		r.Get("/devices/{serial}/attributes", s.listAttributes)
		r.Patch("/devices/{serial}/attributes", s.patchAttributes)
		r.Get("/devices/{serial}/log-files", s.listLogFiles)
		r.Get("/devices/{serial}/log-files/{cid}/download", s.downloadLogFile)
		r.Get("/reports", s.listReports)
		r.Get("/elf_coredumps", s.listCoredumps)
		r.Post("/custom-metrics", s.createCustomMetric)
	})
	return r
}

// SetReadyAfter makes the first n calls on route answer as if the data had
// not arrived yet: an empty list, or 404 for the device route.
func (s *Server) SetReadyAfter(route string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyAfter[route] = n
}

// Calls returns how many requests route has served.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// AddDevice registers serial if it is not known yet.
func (s *Server) AddDevice(serial, hardwareVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.deviceLocked(serial)
	if hardwareVersion != "" {
		record.device.HardwareVersion = hardwareVersion
	}
}

// SetConfigRevisions sets the assigned and reported config revisions of serial.
func (s *Server) SetConfigRevisions(serial string, assigned, reported int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.deviceLocked(serial)
	record.device.AssignedConfigRevision = &assigned
	record.device.ReportedConfigRevision = &reported
}

// AddRebootEvent appends a reboot event for serial.
func (s *Server) AddRebootEvent(serial string, event memfault.RebootEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Time.IsZero() {
		event.Time = memfault.Timestamp{Time: time.Now().UTC()}
	}
	record := s.deviceLocked(serial)
	record.reboots = append(record.reboots, event)
}

// AddReport appends a metrics report for serial.
func (s *Server) AddReport(serial string, report memfault.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(serial)
	report.DeviceSerial = serial
	s.reports = append(s.reports, report)
}

// AddCoredump records a processed coredump for serial.
func (s *Server) AddCoredump(serial string) memfault.Coredump {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(serial)
	s.nextID++
	now := memfault.Timestamp{Time: time.Now().UTC()}
	coredump := memfault.Coredump{
		ID:          s.nextID,
		Status:      "processed",
		CreatedDate: &now,
		Device:      &memfault.DeviceRef{DeviceSerial: serial},
	}
	s.coredumps = append(s.coredumps, coredump)
	return coredump
}

// AddLogFile stores content as an uploaded log file and returns its cid.
func (s *Server) AddLogFile(serial, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.deviceLocked(serial)
	now := memfault.Timestamp{Time: time.Now().UTC()}
	file := memfault.LogFile{CID: uuid.NewString(), CreatedDate: &now}
	record.logFiles = append(record.logFiles, storedLogFile{file: file, content: content})
	return file.CID
}

// SetAttribute writes an attribute as the device would, registering its
// custom metric when needed.
func (s *Server) SetAttribute(serial, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customMetrics[key]; !ok {
		s.customMetrics[key] = s.newCustomMetricLocked(key, inferDataType(value))
	}
	record := s.deviceLocked(serial)
	now := memfault.Timestamp{Time: time.Now().UTC()}
	record.attributes[key] = memfault.AttributeState{Value: value, UpdatedDate: &now}
}

func (s *Server) deviceLocked(serial string) *deviceRecord {
	record, ok := s.devices[serial]
	if !ok {
		s.nextID++
		record = &deviceRecord{
			device:     memfault.Device{ID: s.nextID, DeviceSerial: serial},
			attributes: map[string]memfault.AttributeState{},
		}
		s.devices[serial] = record
	}
	return record
}

func (s *Server) newCustomMetricLocked(key string, dataType memfault.DataType) memfault.CustomMetric {
	s.nextID++
	return memfault.CustomMetric{ID: s.nextID, StringKey: key, DataType: dataType}
}

// countCall records a call on route and reports whether it should be served
// as not ready yet.
func (s *Server) countCall(route string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[route]++
	if remaining := s.readyAfter[route]; remaining > 0 {
		s.readyAfter[route] = remaining - 1
		return true
	}
	return false
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || password != s.opts.Token {
			writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "org") != s.opts.OrgSlug || chi.URLParam(r, "project") != s.opts.ProjectSlug {
			writeError(w, http.StatusNotFound, "Project not found.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookup(serial string) (*deviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.devices[serial]
	return record, ok
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if s.countCall(RouteDevice) {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	record, ok := s.lookup(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	s.mu.Lock()
	device := record.device
	s.mu.Unlock()
	writeData(w, http.StatusOK, device)
}

func (s *Server) listReboots(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if s.countCall(RouteReboots) {
		writeData(w, http.StatusOK, []memfault.RebootEvent{})
		return
	}
	record, ok := s.lookup(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	s.mu.Lock()
	events := append([]memfault.RebootEvent{}, record.reboots...)
	s.mu.Unlock()
	// Newest first, like the real listing.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.After(events[j].Time.Time)
	})
	writeData(w, http.StatusOK, events)
}

func (s *Server) listAttributes(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if s.countCall(RouteAttributes) {
		writeData(w, http.StatusOK, memfault.Attributes{})
		return
	}
	record, ok := s.lookup(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.customMetrics))
	for key := range s.customMetrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attributes := make(memfault.Attributes, 0, len(keys))
	for _, key := range keys {
		attribute := memfault.Attribute{CustomMetric: s.customMetrics[key]}
		if state, ok := record.attributes[key]; ok {
			state := state
			attribute.State = &state
		}
		attributes = append(attributes, attribute)
	}
	s.mu.Unlock()

	writeData(w, http.StatusOK, attributes)
}

func (s *Server) patchAttributes(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	s.countCall(RouteAttributes)

	var body []struct {
		StringKey string `json:"string_key"`
		Value     any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.devices[serial]
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	for _, item := range body {
		if _, known := s.customMetrics[item.StringKey]; !known {
			writeError(w, http.StatusBadRequest, "Unknown custom metric "+item.StringKey+".")
			return
		}
	}
	now := memfault.Timestamp{Time: time.Now().UTC()}
	for _, item := range body {
		record.attributes[item.StringKey] = memfault.AttributeState{Value: item.Value, UpdatedDate: &now}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listLogFiles(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if s.countCall(RouteLogFiles) {
		writeData(w, http.StatusOK, []memfault.LogFile{})
		return
	}
	record, ok := s.lookup(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	s.mu.Lock()
	files := make([]memfault.LogFile, 0, len(record.logFiles))
	for _, stored := range record.logFiles {
		files = append(files, stored.file)
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, files)
}

func (s *Server) downloadLogFile(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	cid := chi.URLParam(r, "cid")
	s.countCall(RouteLogDownload)

	record, ok := s.lookup(serial)
	if !ok {
		writeError(w, http.StatusNotFound, "Device not found.")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range record.logFiles {
		if stored.file.CID == cid {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(stored.content))
			return
		}
	}
	writeError(w, http.StatusNotFound, "Log file not found.")
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if s.countCall(RouteReports) {
		writeData(w, http.StatusOK, []memfault.Report{})
		return
	}
	serial := r.URL.Query().Get("device_serial")
	s.mu.Lock()
	reports := make([]memfault.Report, 0, len(s.reports))
	for _, report := range s.reports {
		if serial == "" || report.DeviceSerial == serial {
			reports = append(reports, report)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, reports)
}

func (s *Server) listCoredumps(w http.ResponseWriter, r *http.Request) {
	if s.countCall(RouteCoredumps) {
		writeData(w, http.StatusOK, []memfault.Coredump{})
		return
	}
	serial := r.URL.Query().Get("device")
	s.mu.Lock()
	coredumps := make([]memfault.Coredump, 0, len(s.coredumps))
	for _, coredump := range s.coredumps {
		if serial == "" || (coredump.Device != nil && coredump.Device.DeviceSerial == serial) {
			coredumps = append(coredumps, coredump)
		}
	}
	s.mu.Unlock()
	writeData(w, http.StatusOK, coredumps)
}

func (s *Server) createCustomMetric(w http.ResponseWriter, r *http.Request) {
	s.countCall(RouteCustomMetrics)

	var body struct {
		StringKey string            `json:"string_key"`
		DataType  memfault.DataType `json:"data_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if strings.TrimSpace(body.StringKey) == "" || !body.DataType.Valid() {
		writeError(w, http.StatusBadRequest, "string_key and a valid data_type are required.")
		return
	}

	s.mu.Lock()
	if _, exists := s.customMetrics[body.StringKey]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "Custom metric "+body.StringKey+" already exists.")
		return
	}
	metric := s.newCustomMetricLocked(body.StringKey, body.DataType)
	s.customMetrics[body.StringKey] = metric
	s.mu.Unlock()

	s.logger.With("key", metric.StringKey, "data_type", metric.DataType).Debug("created custom metric")
	writeData(w, http.StatusOK, metric)
}

func inferDataType(value any) memfault.DataType {
	switch value.(type) {
	case bool:
		return memfault.DataTypeBool
	case int, int32, int64, uint, uint32, uint64:
		return memfault.DataTypeInt
	case float32, float64:
		return memfault.DataTypeFloat
	default:
		return memfault.DataTypeString
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": detail}})
}
