package attendance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"timeclock/internal/device"
	"timeclock/internal/metrics"
)

const (
	// DefaultScheduleStart applies when the scheduleStart setting is unset.
	DefaultScheduleStart = "07:00"

	SettingScheduleStart = "scheduleStart"
	SettingAbsentCutoff  = "absentCutoff"
)

var (
	// ErrDeviceConnect means the device could not be reached for a poll.
	ErrDeviceConnect = errors.New("device connect failed")
	// ErrImportFileNotFound means the export file to import does not exist.
	ErrImportFileNotFound = errors.New("import file not found")
)

// Source identifies what started an ingestion batch; it is also the status
// written to the device log.
type Source string

const (
	SourceManual Source = "ingest"
	SourceAuto   Source = "auto_ingest"
	SourceImport Source = "manual_import"
)

// Run is the outcome of one device poll.
type Run struct {
	ID     string `json:"run_id"`
	Source Source `json:"source"`
	Stored int    `json:"stored"`
}

// ImportReport is the outcome of one file import.
type ImportReport struct {
	File    string `json:"file"`
	Parsed  int    `json:"parsed"`
	Stored  int    `json:"stored"`
	Unknown int    `json:"unknown"`
}

// Settings reads configured values.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// AuditLog appends device log lines.
type AuditLog interface {
	Append(ctx context.Context, at time.Time, status, message string) error
}

// PostFetchHook is notified after every device batch.
type PostFetchHook interface {
	Fire(ctx context.Context, run Run) error
}

// Opener creates device transports.
type Opener interface {
	Open() device.Transport
}

// Service coordinates device polls and file imports through the reconciler.
type Service struct {
	device     Opener
	reconciler *Reconciler
	settings   Settings
	audit      AuditLog
	hook       PostFetchHook
	loc        *time.Location
	importBase string
	logger     zerolog.Logger
	now        func() time.Time
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithHook sets the post-fetch hook.
func WithHook(h PostFetchHook) ServiceOption { return func(s *Service) { s.hook = h } }

// WithImportBase sets the directory relative import paths resolve against.
func WithImportBase(dir string) ServiceOption { return func(s *Service) { s.importBase = dir } }

// WithServiceLogger attaches a logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// WithNow overrides the clock used for device log timestamps.
func WithNow(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// NewService creates a service. loc is the zone lateness and offset-less
// import timestamps are evaluated in.
func NewService(dev Opener, reconciler *Reconciler, settings Settings, audit AuditLog, loc *time.Location, opts ...ServiceOption) *Service {
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		device:     dev,
		reconciler: reconciler,
		settings:   settings,
		audit:      audit,
		loc:        loc,
		importBase: ".",
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TriggerIngestOnce polls the device once on behalf of an operator.
func (s *Service) TriggerIngestOnce(ctx context.Context) (Run, error) {
	return s.Ingest(ctx, SourceManual)
}

// Ingest connects to the device, reads its punches and reconciles them. The
// device log line and the post-fetch hook run whether or not the batch fails.
func (s *Service) Ingest(ctx context.Context, source Source) (run Run, err error) {
	run = Run{ID: uuid.NewString(), Source: source}
	start := time.Now()
	log := s.logger.With().Str("run_id", run.ID).Str("source", string(source)).Logger()

	t := s.device.Open()
	defer func() {
		t.Disconnect(ctx)
		s.appendLog(ctx, string(source), "stored "+itoa(run.Stored))
		if s.hook != nil {
			if herr := s.hook.Fire(ctx, run); herr != nil {
				log.Warn().Err(herr).Msg("post-fetch hook failed")
			}
		}
		result := "success"
		if err != nil {
			result = "error"
			log.Error().Err(err).Int("stored", run.Stored).Msg("ingest failed")
		} else {
			log.Info().Int("stored", run.Stored).Msg("ingest complete")
		}
		metrics.ObserveIngest(string(source), result, run.Stored, time.Since(start))
	}()

	if !t.Connect(ctx) {
		return run, ErrDeviceConnect
	}
	punches, err := t.FetchAttendance(ctx)
	if err != nil {
		return run, fmt.Errorf("fetch attendance: %w", err)
	}
	schedule, err := s.scheduleStart(ctx)
	if err != nil {
		return run, err
	}
	for _, p := range punches {
		stored, err := s.reconciler.Store(ctx, p, schedule)
		if err != nil {
			return run, err
		}
		if stored {
			run.Stored++
		}
	}
	return run, nil
}

// ImportFromFile reconciles every punch found in a device export file.
// Lines without a recognisable timestamp are counted as unknown.
func (s *Service) ImportFromFile(ctx context.Context, path string) (ImportReport, error) {
	path = s.resolve(path)
	report := ImportReport{File: path}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, fmt.Errorf("%w: %s", ErrImportFileNotFound, path)
		}
		return report, fmt.Errorf("read import file: %w", err)
	}
	lines, err := readImportLines(path)
	if err != nil {
		return report, fmt.Errorf("read import file: %w", err)
	}
	schedule, err := s.scheduleStart(ctx)
	if err != nil {
		return report, err
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, ok := ParseLine(line, s.loc)
		if !ok {
			report.Unknown++
			continue
		}
		report.Parsed++
		stored, err := s.reconciler.Store(ctx, p, schedule)
		if err != nil {
			return report, err
		}
		if stored {
			report.Stored++
		}
	}

	s.appendLog(ctx, string(SourceImport), fmt.Sprintf("file %s parsed %d, stored %d, unknown %d",
		filepath.Base(path), report.Parsed, report.Stored, report.Unknown))
	metrics.ObserveImport(report.Parsed, report.Stored, report.Unknown)
	s.logger.Info().Str("file", path).Int("parsed", report.Parsed).Int("stored", report.Stored).Int("unknown", report.Unknown).Msg("import complete")
	return report, nil
}

// AbsentCutoff returns the configured absence cutoff or the fallback.
func (s *Service) AbsentCutoff(ctx context.Context, fallback string) string {
	v, ok, err := s.settings.Get(ctx, SettingAbsentCutoff)
	if err != nil || !ok {
		return fallback
	}
	return v
}

func (s *Service) scheduleStart(ctx context.Context) (string, error) {
	v, ok, err := s.settings.Get(ctx, SettingScheduleStart)
	if err != nil {
		return "", fmt.Errorf("read schedule start: %w", err)
	}
	if !ok {
		return DefaultScheduleStart, nil
	}
	return v, nil
}

// appendLog never fails the caller; a broken device log only gets logged.
func (s *Service) appendLog(ctx context.Context, status, message string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, s.now(), status, message); err != nil {
		s.logger.Warn().Err(err).Str("status", status).Msg("device log append failed")
	}
}

func (s *Service) resolve(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.importBase, path)
}
