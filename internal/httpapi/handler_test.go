package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeclock/internal/attendance"
	"timeclock/internal/device"
	"timeclock/internal/store"
)

var riyadh = time.FixedZone("AST", 3*3600)

type testAPI struct {
	router    *gin.Engine
	repo      *attendance.Repository
	db        *store.DB
	dev       *device.Device
	importDir string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := store.NewDB(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := attendance.NewRepository(db.Client, db.Driver)
	_, err = repo.AddStudent(ctx, "Sara", "1098765432", "1001")
	require.NoError(t, err)

	now := func() time.Time { return time.Date(2024, 5, 1, 7, 30, 0, 0, riyadh) }
	dev := device.New(device.NewConfigHolder(device.Config{IP: "127.0.0.1", MockMode: true}),
		device.WithLocation(riyadh), device.WithClock(now))
	dir := t.TempDir()
	svc := attendance.NewService(dev, attendance.NewReconciler(repo, repo, riyadh), repo, repo, riyadh,
		attendance.WithImportBase(dir), attendance.WithNow(now))

	h := New(svc, dev, repo, map[string]HealthCheck{"db": db.Healthy}, zerolog.Nop())
	r := gin.New()
	h.Register(r)
	return &testAPI{router: r, repo: repo, db: db, dev: dev, importDir: dir}
}

func (a *testAPI) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (a *testAPI) deviceLogCount(t *testing.T, status string) int {
	t.Helper()
	var n int
	require.NoError(t, a.db.Client.QueryRow(`SELECT COUNT(*) FROM device_logs WHERE status = ?`, status).Scan(&n))
	return n
}

func TestIngestEndpointIsIdempotent(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodPost, "/api/attendance/ingest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 3, body["stored"])
	assert.NotEmpty(t, body["run_id"])

	w, body = api.do(t, http.MethodPost, "/api/attendance/ingest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["stored"])
	assert.Equal(t, 2, api.deviceLogCount(t, "ingest"))

	w, body = api.do(t, http.MethodGet, "/api/attendance/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["events"], 3)

	w, body = api.do(t, http.MethodGet, "/api/attendance/events?student_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["events"], 1)
	evt := body["events"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 15, evt["late_minutes"])
}

func TestIngestConnectFailure(t *testing.T) {
	api := newTestAPI(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	mock := false
	api.dev.SetConfig(device.ConfigPatch{MockMode: &mock, Port: &port})

	w, body := api.do(t, http.MethodPost, "/api/attendance/ingest", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Device connect failed", body["error"])
	assert.Equal(t, 1, api.deviceLogCount(t, "ingest"), "the batch is logged even when it fails")
}

func TestImportFileEndpoint(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, os.WriteFile(filepath.Join(api.importDir, "attlog.dat"),
		[]byte("PIN=1001 2024-05-01 07:10\nnot a punch\n"), 0o644))

	w, body := api.do(t, http.MethodPost, "/api/attendance/import-file", map[string]string{"path": "attlog.dat"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["parsed"])
	assert.EqualValues(t, 1, body["stored"])
	assert.EqualValues(t, 1, body["unknown"])
	assert.Equal(t, 1, api.deviceLogCount(t, "manual_import"))

	w, _ = api.do(t, http.MethodPost, "/api/attendance/import-file", map[string]string{"path": "missing.dat"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = api.do(t, http.MethodPost, "/api/attendance/import-file", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsRejectsBadStudentID(t *testing.T) {
	api := newTestAPI(t)
	w, _ := api.do(t, http.MethodGet, "/api/attendance/events?student_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := api.do(t, http.MethodGet, "/api/attendance/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["events"])
}

func TestTodayEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/api/attendance/ingest", nil)

	w, body := api.do(t, http.MethodGet, "/api/attendance/today", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-05-01", body["date"])
	records := body["records"].([]any)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, "present", rec["status"])
	assert.EqualValues(t, 15, rec["late_minutes"])
}

func TestSettingsEndpoints(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodGet, "/api/settings/scheduleStart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "07:00", body["value"])

	w, _ = api.do(t, http.MethodPut, "/api/settings/absentCutoff", map[string]string{"value": "late"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodPut, "/api/settings/absentCutoff", map[string]string{"value": "08:45"})
	assert.Equal(t, http.StatusOK, w.Code)
	_, body = api.do(t, http.MethodGet, "/api/settings/absentCutoff", nil)
	assert.Equal(t, "08:45", body["value"])

	w, _ = api.do(t, http.MethodGet, "/api/settings/adminPassword", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestZKConfigConnectFetch(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodPost, "/api/zk/config", map[string]any{"port": 4371, "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	cfg := body["config"].(map[string]any)
	assert.EqualValues(t, 4371, cfg["port"])
	assert.Equal(t, "***", cfg["password"])
	assert.Equal(t, "127.0.0.1", api.dev.Config().IP, "fields absent from the patch are kept")

	w, body = api.do(t, http.MethodGet, "/api/zk/connect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, 1, api.deviceLogCount(t, "connected"))

	w, body = api.do(t, http.MethodGet, "/api/zk/fetch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["records"], 3)
}

func TestZKFetchOverSocketIsUnsupported(t *testing.T) {
	api := newTestAPI(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	mock := false
	api.dev.SetConfig(device.ConfigPatch{MockMode: &mock, Port: &port})

	w, _ := api.do(t, http.MethodGet, "/api/zk/fetch", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestZKDiagnoseLogsOutcome(t *testing.T) {
	api := newTestAPI(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	w, body := api.do(t, http.MethodGet, "/api/zk/diagnose?ip=127.0.0.1&port="+port+"&retries=1&timeout_ms=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["finalOk"])
	assert.Equal(t, "tcp", body["protocol"])
	assert.Equal(t, "connected", body["message"])
	assert.Equal(t, 1, api.deviceLogCount(t, "diagnose_ok"))
	assert.True(t, api.dev.Config().MockMode, "diagnose overrides do not reach the stored config")

	w, _ = api.do(t, http.MethodGet, "/api/zk/diagnose?port=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	w, body := api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["db"])
}

func TestDiagnoseDoesNotBreakIngest(t *testing.T) {
	api := newTestAPI(t)

	w, _ := api.do(t, http.MethodGet, "/api/zk/diagnose?ip=127.0.0.1&port="+strconv.Itoa(closedPort(t))+"&timeout_ms=50&retries=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, api.deviceLogCount(t, "diagnose_fail"))

	cfg := api.dev.Config()
	assert.True(t, cfg.MockMode)
	assert.Equal(t, device.DefaultPort, cfg.Port)

	w, body := api.do(t, http.MethodPost, "/api/attendance/ingest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["stored"])
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
