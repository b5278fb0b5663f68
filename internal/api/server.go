package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sapflow.report/internal/db"
	"github.com/banshee-data/sapflow.report/internal/decoder"
	"github.com/banshee-data/sapflow.report/internal/httputil"
	"github.com/banshee-data/sapflow.report/internal/ingest"
	"github.com/banshee-data/sapflow.report/internal/report"
	"github.com/banshee-data/sapflow.report/internal/sapflow"
	"github.com/banshee-data/sapflow.report/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes caps uplink and decode request bodies.
const maxBodyBytes = 1 << 20

// convertReadingFlows applies unit conversion to the flow fields of a
// reading. Stored flows are in kg/h.
func convertReadingFlows(r sapflow.Reading, targetUnits string) sapflow.Reading {
	r.OuterFlow = units.ConvertFlow(r.OuterFlow, targetUnits)
	r.InnerFlow = units.ConvertFlow(r.InnerFlow, targetUnits)
	r.RemainderFlow = units.ConvertFlow(r.RemainderFlow, targetUnits)
	r.TotalFlow = units.ConvertFlow(r.TotalFlow, targetUnits)
	return r
}

type Server struct {
	db        *db.DB
	processor *ingest.Processor
	units     string
	mode      decoder.Mode
}

// NewServer serves readings and usage from database. Uplinks posted to the
// webhook are computed by processor and stored in database.
func NewServer(database *db.DB, processor *ingest.Processor, flowUnits string, mode decoder.Mode) *Server {
	if flowUnits == "" {
		flowUnits = units.KgPerHour
	}
	return &Server{
		db:        database,
		processor: processor,
		units:     flowUnits,
		mode:      mode,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Database admin routes are attached
// separately by the caller.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uplink", s.handleUplink)
	mux.HandleFunc("/api/decode", s.handleDecode)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/usage", s.showUsage)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/charts/usage", s.handleUsageChart)
	return mux
}

func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.processor == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "Uplink processing is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Failed to read body: %v", err))
		return
	}

	up, err := ingest.ParseUplink(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	item := s.processor.ProcessUplink(r.Context(), up, uuid.NewString())
	switch {
	case item.Err != nil:
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, item)
		return
	case item.Skipped:
		httputil.WriteJSON(w, http.StatusAccepted, item)
		return
	}

	if err := s.processor.RefreshUsage(r.Context(), []sapflow.Reading{*item.Reading}); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to update usage: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, item)
}

type decodeRequest struct {
	Payload string `json:"payload"`
	Port    int    `json:"port"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req decodeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		httputil.BadRequest(w, "payload must be base64")
		return
	}

	mode := s.mode
	if req.Mode != "" {
		if mode, err = decoder.ParseMode(req.Mode); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	out, err := decoder.DecodeShaped(payload, req.Port, mode)
	if err != nil {
		httputil.UnprocessableEntity(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, out)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid '%s' parameter", name)
}

// unitsParam returns the requested flow units, falling back to the
// server default.
func (s *Server) unitsParam(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValidFlowUnit(u) {
		return "", fmt.Errorf("invalid 'units' parameter, expected one of: %s", units.GetValidFlowUnitsString())
	}
	return u, nil
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	q := db.ReadingsQuery{DeviceID: r.URL.Query().Get("device")}
	var err error
	if q.From, err = parseTimeParam(r, "from"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if q.To, err = parseTimeParam(r, "to"); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		q.Limit, err = strconv.Atoi(l)
		if err != nil || q.Limit < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
	}
	flowUnits, err := s.unitsParam(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	readings, err := s.db.Readings(r.Context(), q)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve readings: %v", err))
		return
	}
	for i := range readings {
		readings[i] = convertReadingFlows(readings[i], flowUnits)
	}
	httputil.WriteJSONOK(w, map[string]any{
		"units":    flowUnits,
		"readings": readings,
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	devices, err := s.db.Devices(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve devices: %v", err))
		return
	}
	httputil.WriteJSONOK(w, devices)
}

func (s *Server) showUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	period, err := db.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	buckets, err := s.db.Usage(r.Context(), period, r.URL.Query().Get("device"))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve usage: %v", err))
		return
	}

	if format == report.FormatCBOR {
		body, err := report.Encode(report.FormatCBOR, buckets)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteBytes(w, http.StatusOK, "application/cbor", body)
		return
	}
	httputil.WriteJSONOK(w, buckets)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
	}
	runs, err := s.db.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	config := map[string]any{
		"units":       s.units,
		"output_mode": s.mode,
	}
	if s.processor != nil {
		config["installation"] = s.processor.Installation
		config["samples_per_hour"] = s.processor.Usage.SamplesPerHour
		config["derive_samples_per_hour"] = s.processor.Usage.DeriveSamplesPerHour
		config["per_device"] = s.processor.PerDevice
		if loc := s.processor.Usage.Location; loc != nil {
			config["timezone"] = loc.String()
		}
	}
	if s.db != nil {
		config["db_driver"] = s.db.Driver()
	}
	httputil.WriteJSONOK(w, config)
}
