package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sapflow.report/internal/db"
	"github.com/banshee-data/sapflow.report/internal/decoder"
	"github.com/banshee-data/sapflow.report/internal/ingest"
	"github.com/banshee-data/sapflow.report/internal/monitoring"
	"github.com/banshee-data/sapflow.report/internal/report"
	"github.com/banshee-data/sapflow.report/internal/sapflow"
	"github.com/banshee-data/sapflow.report/internal/timeutil"
	"github.com/banshee-data/sapflow.report/internal/units"
	"github.com/banshee-data/sapflow.report/internal/usage"
)

const dataFrame = "H4VFQX0/2UCFAQ=="

// outer velocity +Inf, inner 6.789, battery 3.89 V
var infFrame = base64.StdEncoding.EncodeToString([]byte{0x00, 0x00, 0x80, 0x7f, 0x7d, 0x3f, 0xd9, 0x40, 0x85, 0x01})

func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	monitoring.SetLogger(nil)

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.EnsureSchema())

	processor := &ingest.Processor{
		Installation: sapflow.DefaultInstallation(),
		PerDevice:    true,
		Store:        database,
		Clock:        timeutil.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	return NewServer(database, processor, units.KgPerHour, decoder.ModeNested), database
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(w, req)
	return w
}

func ttnUplink(device, at string, port int, frame string) string {
	msg := map[string]any{
		"end_device_ids": map[string]any{"device_id": device},
		"received_at":    at,
		"uplink_message": map[string]any{"f_port": port, "frm_payload": frame},
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{302, colorYellow + "302" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{503, colorBoldRed + "503" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeColor(tt.code))
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/config?x=1", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, buf.String(), "/api/config?x=1")
	assert.Contains(t, buf.String(), "418")
}

func TestUplinkStoresReadingAndUsage(t *testing.T) {
	s, database := setupTestServer(t)

	w := do(t, s, http.MethodPost, "/api/uplink", ttnUplink("sfm-1", "2024-03-01T00:10:00Z", decoder.PortData, dataFrame))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var item struct {
		DeviceID string           `json:"device_id"`
		Reading  *sapflow.Reading `json:"reading"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	require.NotNil(t, item.Reading)
	assert.Equal(t, "sfm-1", item.DeviceID)
	assert.InDelta(t, 12.345, item.Reading.UncorrectedOuter, 1e-9)

	readings, err := database.Readings(context.Background(), db.ReadingsQuery{})
	require.NoError(t, err)
	require.Len(t, readings, 1)

	hourKey := "2024-03-01T00:00:00.000Z"
	combined, err := database.Usage(context.Background(), db.Hourly, db.AllDevices)
	require.NoError(t, err)
	assert.InDelta(t, item.Reading.TotalFlow/usage.DefaultSamplesPerHour, combined[hourKey], 1e-9)

	own, err := database.Usage(context.Background(), db.Hourly, "sfm-1")
	require.NoError(t, err)
	assert.InDelta(t, combined[hourKey], own[hourKey], 1e-9)
}

func TestUplinkUsesClockWhenUnstamped(t *testing.T) {
	s, database := setupTestServer(t)

	body := `{"end_device_ids":{"device_id":"sfm-1"},"uplink_message":{"f_port":1,"frm_payload":"` + dataFrame + `"}}`
	w := do(t, s, http.MethodPost, "/api/uplink", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	readings, err := database.Readings(context.Background(), db.ReadingsQuery{})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].Time.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestUplinkOutcomes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"device info skipped", ttnUplink("sfm-1", "2024-03-01T00:00:00Z", decoder.PortDeviceInfo, "dCcQKw=="), http.StatusAccepted},
		{"no payload", `{"end_device_ids":{"device_id":"sfm-1"},"uplink_message":{"f_port":1}}`, http.StatusUnprocessableEntity},
		{"short frame", ttnUplink("sfm-1", "2024-03-01T00:00:00Z", decoder.PortData, "H4U="), http.StatusUnprocessableEntity},
		{"infinite velocity", ttnUplink("sfm-1", "2024-03-01T00:00:00Z", decoder.PortData, infFrame), http.StatusUnprocessableEntity},
		{"unknown envelope", `{"hello":"world"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupTestServer(t)
			w := do(t, s, http.MethodPost, "/api/uplink", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestUplinkInfiniteVelocityLeavesUsageServable(t *testing.T) {
	s, database := setupTestServer(t)

	w := do(t, s, http.MethodPost, "/api/uplink", ttnUplink("sfm-1", "2024-03-01T00:00:00Z", decoder.PortData, dataFrame))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, s, http.MethodPost, "/api/uplink", ttnUplink("sfm-1", "2024-03-01T00:10:00Z", decoder.PortData, infFrame))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "missing reading")

	readings, err := database.Readings(context.Background(), db.ReadingsQuery{})
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	w = do(t, s, http.MethodGet, "/api/usage?period=daily", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.InDelta(t, readings[0].TotalFlow/usage.DefaultSamplesPerHour, got["2024-03-01T00:00:00.000Z"], 1e-9)
}

func TestUplinkConcurrentUsage(t *testing.T) {
	s, database := setupTestServer(t)
	mux := s.ServeMux()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at := fmt.Sprintf("2024-03-01T%02d:00:00Z", i)
			req := httptest.NewRequest(http.MethodPost, "/api/uplink", strings.NewReader(ttnUplink("sfm-1", at, decoder.PortData, dataFrame)))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		}()
	}
	wg.Wait()

	readings, err := database.Readings(context.Background(), db.ReadingsQuery{})
	require.NoError(t, err)
	require.Len(t, readings, n)

	daily, err := database.Usage(context.Background(), db.Daily, db.AllDevices)
	require.NoError(t, err)
	assert.InDelta(t, n*readings[0].TotalFlow/usage.DefaultSamplesPerHour, daily["2024-03-01T00:00:00.000Z"], 1e-9)

	own, err := database.Usage(context.Background(), db.Daily, "sfm-1")
	require.NoError(t, err)
	assert.InDelta(t, daily["2024-03-01T00:00:00.000Z"], own["2024-03-01T00:00:00.000Z"], 1e-9)

	hourly, err := database.Usage(context.Background(), db.Hourly, db.AllDevices)
	require.NoError(t, err)
	assert.Len(t, hourly, n)
}

func TestUplinkWithoutProcessor(t *testing.T) {
	s := NewServer(nil, nil, "", decoder.ModeNested)
	w := do(t, s, http.MethodPost, "/api/uplink", "{}")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := setupTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/uplink"},
		{http.MethodGet, "/api/decode"},
		{http.MethodPost, "/api/readings"},
		{http.MethodPost, "/api/devices"},
		{http.MethodDelete, "/api/usage"},
		{http.MethodPost, "/api/runs"},
		{http.MethodPut, "/api/config"},
		{http.MethodPost, "/charts/usage"},
	} {
		w := do(t, s, tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, tc.method+" "+tc.path)
	}
}

func TestDecodeFlat(t *testing.T) {
	s, _ := setupTestServer(t)
	w := do(t, s, http.MethodPost, "/api/decode", `{"payload":"`+dataFrame+`","port":1,"mode":"flat"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, decoder.PacketData, got["packet-type"])
	assert.InDelta(t, 12.345, got["uncorrected-outer_cm/hr"], 1e-9)
	assert.InDelta(t, 3.89, got["battery-voltage_V"], 1e-9)
}

func TestDecodeNestedDefault(t *testing.T) {
	s, _ := setupTestServer(t)
	w := do(t, s, http.MethodPost, "/api/decode", `{"payload":"`+dataFrame+`","port":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotEmpty(t, got.Data)
	assert.Equal(t, "packet-type", got.Data[0]["label"])
}

func TestDecodeNonFiniteAsNull(t *testing.T) {
	s, _ := setupTestServer(t)
	frame := base64.StdEncoding.EncodeToString([]byte{0x01, 0x00, 0xc0, 0x7f, 0x00, 0x00, 0x80, 0x7f, 0x85, 0x01})

	for _, mode := range []string{"nested", "flat"} {
		w := do(t, s, http.MethodPost, "/api/decode", `{"payload":"`+frame+`","port":1,"mode":"`+mode+`"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, json.Valid(w.Body.Bytes()), "mode %s: %s", mode, w.Body.String())
		assert.Contains(t, w.Body.String(), "null", "mode %s", mode)
	}
}

func TestDecodeErrors(t *testing.T) {
	s, _ := setupTestServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"payload":`, http.StatusBadRequest},
		{"unknown field", `{"payload":"AA==","port":1,"extra":true}`, http.StatusBadRequest},
		{"bad base64", `{"payload":"!!","port":1}`, http.StatusBadRequest},
		{"bad mode", `{"payload":"` + dataFrame + `","port":1,"mode":"tree"}`, http.StatusBadRequest},
		{"short frame", `{"payload":"H4U=","port":1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/decode", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func storeReading(t *testing.T, database *db.DB, device string, at time.Time, total float64) {
	t.Helper()
	r := sapflow.Reading{DeviceID: device, Time: at, TotalFlow: total, OuterFlow: total}
	require.NoError(t, database.InsertReading(context.Background(), "run-1", r))
}

func TestListReadingsConvertsUnits(t *testing.T) {
	s, database := setupTestServer(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	storeReading(t, database, "sfm-1", at, 1.5)
	storeReading(t, database, "sfm-2", at.Add(time.Hour), 2)

	w := do(t, s, http.MethodGet, "/api/readings?device=sfm-1&units=g/h", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Units    string            `json:"units"`
		Readings []sapflow.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, units.GramPerHour, got.Units)
	require.Len(t, got.Readings, 1)
	assert.InDelta(t, 1500, got.Readings[0].TotalFlow, 1e-9)
	assert.InDelta(t, 1500, got.Readings[0].OuterFlow, 1e-9)
}

func TestListReadingsFilters(t *testing.T) {
	s, database := setupTestServer(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		storeReading(t, database, "sfm-1", at.Add(time.Duration(i)*time.Hour), float64(i))
	}

	w := do(t, s, http.MethodGet, "/api/readings?from=2024-03-01T01:00:00Z&to=2024-03-01T03:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Readings []sapflow.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Readings, 2)

	w = do(t, s, http.MethodGet, "/api/readings?limit=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Readings, 3)

	for _, q := range []string{"from=yesterday", "to=x", "limit=0", "limit=abc", "units=mph"} {
		w := do(t, s, http.MethodGet, "/api/readings?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestListDevices(t *testing.T) {
	s, database := setupTestServer(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	storeReading(t, database, "sfm-2", at, 1)
	storeReading(t, database, "sfm-1", at, 1)

	w := do(t, s, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"sfm-1", "sfm-2"}, got)
}

func seedUsage(t *testing.T, database *db.DB) usage.Totals {
	t.Helper()
	totals := usage.Totals{
		Hourly: map[string]float64{"2024-03-01T00:00:00.000Z": 3, "2024-03-01T01:00:00.000Z": 1},
		Daily:  map[string]float64{"2024-03-01T00:00:00.000Z": 4},
	}
	require.NoError(t, database.SaveUsage(context.Background(), db.AllDevices, totals))
	return totals
}

func TestShowUsageJSON(t *testing.T) {
	s, database := setupTestServer(t)
	totals := seedUsage(t, database)

	w := do(t, s, http.MethodGet, "/api/usage?period=daily", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, totals.Daily, got)

	w = do(t, s, http.MethodGet, "/api/usage?period=weekly", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodGet, "/api/usage?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShowUsageCBOR(t *testing.T) {
	s, database := setupTestServer(t)
	totals := seedUsage(t, database)

	w := do(t, s, http.MethodGet, "/api/usage?format=cbor", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/cbor", w.Header().Get("Content-Type"))

	var got map[string]float64
	require.NoError(t, report.Decode(report.FormatCBOR, w.Body.Bytes(), &got))
	assert.Equal(t, totals.Hourly, got)
}

func TestListRuns(t *testing.T) {
	s, database := setupTestServer(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, database.RecordRun(context.Background(), db.Run{
		ID: "run-a", StartedAt: start, FinishedAt: start.Add(time.Second), Messages: 3, Readings: 2, Failures: 1, SamplesPerHour: 6,
	}))

	w := do(t, s, http.MethodGet, "/api/runs?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []db.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "run-a", got[0].ID)
	assert.Equal(t, 1, got[0].Failures)

	w = do(t, s, http.MethodGet, "/api/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestShowConfig(t *testing.T) {
	s, _ := setupTestServer(t)
	w := do(t, s, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, units.KgPerHour, got["units"])
	assert.Equal(t, string(decoder.ModeNested), got["output_mode"])
	assert.Equal(t, db.DriverSQLite, got["db_driver"])
	assert.Equal(t, true, got["per_device"])
	inst, ok := got["installation"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, sapflow.DefaultInstallation().Circumference, inst["circumference_m"], 1e-12)
}

func TestUsageChart(t *testing.T) {
	s, database := setupTestServer(t)
	seedUsage(t, database)

	w := do(t, s, http.MethodGet, "/charts/usage?period=hourly", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Sap flow (hourly)")
	assert.Contains(t, w.Body.String(), "2024-03-01T01:00:00.000Z")

	w = do(t, s, http.MethodGet, "/charts/usage?period=monthly", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConvertReadingFlows(t *testing.T) {
	r := sapflow.Reading{OuterFlow: 1, InnerFlow: 2, RemainderFlow: 0.5, TotalFlow: 3.5, SapVelocityInner: 7}
	got := convertReadingFlows(r, units.LitrePerDay)
	assert.Equal(t, 24.0, got.OuterFlow)
	assert.Equal(t, 48.0, got.InnerFlow)
	assert.Equal(t, 12.0, got.RemainderFlow)
	assert.Equal(t, 84.0, got.TotalFlow)
	assert.Equal(t, 7.0, got.SapVelocityInner)
	assert.False(t, math.IsNaN(got.TotalFlow))
}
