package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"timeclock/internal/attendance"
	"timeclock/internal/device"
)

// Ingestion is the attendance service surface used by the handlers.
type Ingestion interface {
	TriggerIngestOnce(ctx context.Context) (attendance.Run, error)
	ImportFromFile(ctx context.Context, path string) (attendance.ImportReport, error)
	Daily(ctx context.Context, src attendance.DailySource) (attendance.DailyReport, error)
}

// DeviceControl configures and probes the time clock.
type DeviceControl interface {
	Config() device.Config
	SetConfig(p device.ConfigPatch) device.Config
	Open() device.Transport
	DiagnoseWith(ctx context.Context, p device.ConfigPatch) device.DiagnosticReport
}

// Store is the persistence surface used by the handlers.
type Store interface {
	attendance.DailySource
	attendance.AuditLog
	ListEvents(ctx context.Context, studentID *int64, limit, offset int) ([]attendance.Event, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Handler serves the HTTP API.
type Handler struct {
	svc    Ingestion
	dev    DeviceControl
	store  Store
	checks map[string]HealthCheck
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a handler. checks are reported by /healthz under their keys.
func New(svc Ingestion, dev DeviceControl, store Store, checks map[string]HealthCheck, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, dev: dev, store: store, checks: checks, logger: logger, now: time.Now}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	att := api.Group("/attendance")
	att.POST("/ingest", h.ingest)
	att.POST("/import-file", h.importFile)
	att.GET("/events", h.events)
	att.GET("/today", h.today)

	api.GET("/settings/:key", h.getSetting)
	api.PUT("/settings/:key", h.putSetting)

	zk := api.Group("/zk")
	zk.POST("/config", h.setConfig)
	zk.GET("/connect", h.connect)
	zk.GET("/fetch", h.fetch)
	zk.GET("/diagnose", h.diagnose)
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) ingest(c *gin.Context) {
	run, err := h.svc.TriggerIngestOnce(c.Request.Context())
	if err != nil {
		msg := err.Error()
		if errors.Is(err, attendance.ErrDeviceConnect) {
			msg = "Device connect failed"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "run_id": run.ID, "stored": run.Stored})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "run_id": run.ID, "stored": run.Stored})
}

func (h *Handler) importFile(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	rep, err := h.svc.ImportFromFile(c.Request.Context(), req.Path)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, attendance.ErrImportFileNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "file": rep.File, "parsed": rep.Parsed, "stored": rep.Stored, "unknown": rep.Unknown})
}

func (h *Handler) events(c *gin.Context) {
	var studentID *int64
	if v := c.Query("student_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student_id"})
			return
		}
		studentID = &id
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	events, err := h.store.ListEvents(c.Request.Context(), studentID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []attendance.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) today(c *gin.Context) {
	rep, err := h.svc.Daily(c.Request.Context(), h.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

var editableSettings = map[string]bool{
	attendance.SettingScheduleStart: true,
	attendance.SettingAbsentCutoff:  true,
}

func (h *Handler) getSetting(c *gin.Context) {
	key := c.Param("key")
	if !editableSettings[key] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	v, ok, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": v, "set": ok})
}

func (h *Handler) putSetting(c *gin.Context) {
	key := c.Param("key")
	if !editableSettings[key] {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return
	}
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	if _, err := time.Parse("15:04", req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be HH:MM"})
		return
	}
	if err := h.store.Set(c.Request.Context(), key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "key": key, "value": req.Value})
}

func (h *Handler) setConfig(c *gin.Context) {
	var patch device.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := h.dev.SetConfig(patch)
	c.JSON(http.StatusOK, gin.H{"ok": true, "config": redact(cfg)})
}

func (h *Handler) connect(c *gin.Context) {
	ctx := c.Request.Context()
	t := h.dev.Open()
	ok := t.Connect(ctx)
	t.Disconnect(ctx)

	status, msg := "connected", ""
	if !ok {
		status, msg = "failed", "connect failed"
	}
	h.appendLog(ctx, status, msg)
	c.JSON(http.StatusOK, gin.H{"connected": ok, "via": t.Via()})
}

func (h *Handler) fetch(c *gin.Context) {
	ctx := c.Request.Context()
	t := h.dev.Open()
	defer t.Disconnect(ctx)
	if !t.Connect(ctx) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "device connect failed"})
		return
	}
	records, err := t.FetchAttendance(ctx)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, device.ErrFetchUnsupported) {
			status = http.StatusNotImplemented
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []device.Punch{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// diagnose probes with the query overrides applied to a copy of the device
// configuration; ingestion keeps using the stored one. mock defaults to false
// so a diagnosis exercises the network unless asked otherwise.
func (h *Handler) diagnose(c *gin.Context) {
	var patch device.ConfigPatch
	if v := c.Query("ip"); v != "" {
		patch.IP = &v
	}
	for key, dst := range map[string]**int{"port": &patch.Port, "timeout_ms": &patch.TimeoutMs, "retries": &patch.Retries} {
		if v := c.Query(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
				return
			}
			*dst = &n
		}
	}
	if v := c.Query("useSdk"); v != "" {
		b := v == "true"
		patch.UseSDK = &b
	}
	mock := c.Query("mock") == "true"
	patch.MockMode = &mock

	rep := h.dev.DiagnoseWith(c.Request.Context(), patch)

	status := "diagnose_fail"
	if rep.FinalOK {
		status = "diagnose_ok"
	}
	h.appendLog(c.Request.Context(), status, fmt.Sprintf("%s:%d %s", rep.IP, rep.Port, rep.Message))
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) appendLog(ctx context.Context, status, msg string) {
	if err := h.store.Append(ctx, h.now(), status, msg); err != nil {
		h.logger.Warn().Err(err).Str("status", status).Msg("device log append failed")
	}
}

func redact(cfg device.Config) device.Config {
	if cfg.Password != "" {
		cfg.Password = "***"
	}
	if cfg.CommKey != "" {
		cfg.CommKey = "***"
	}
	return cfg
}
