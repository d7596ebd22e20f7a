package device

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// VendorClient is the vendor SDK session used by the SDK strategy.
type VendorClient interface {
	Open(ctx context.Context) error
	Attendances(ctx context.Context) ([]map[string]any, error)
	Close() error
}

// VendorFactory creates a vendor session for the given configuration.
type VendorFactory func(cfg Config) (VendorClient, error)

// sdkTransport delegates to the vendor client. Vendor errors and panics never
// reach the caller; they are logged and turned into false / empty results.
type sdkTransport struct {
	cfg     Config
	factory VendorFactory
	logger  zerolog.Logger
	client  VendorClient
}

func (s *sdkTransport) Via() string { return "sdk" }

func (s *sdkTransport) Connect(ctx context.Context) bool {
	if err := s.dial(ctx); err != nil {
		s.logger.Error().Err(err).Str("ip", s.cfg.IP).Msg("vendor sdk connect failed")
		return false
	}
	return true
}

func (s *sdkTransport) dial(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vendor sdk panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	client, err := s.factory(s.cfg)
	if err != nil {
		return err
	}
	if err := client.Open(ctx); err != nil {
		_ = client.Close()
		return err
	}
	s.client = client
	return nil
}

func (s *sdkTransport) FetchAttendance(ctx context.Context) (out []Punch, _ error) {
	if s.client == nil {
		s.logger.Error().Str("ip", s.cfg.IP).Msg("vendor sdk attendance read without an open session")
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("vendor sdk attendance read panicked")
			out = nil
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	records, err := s.client.Attendances(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("vendor sdk attendance read failed")
		return nil, nil
	}
	out = make([]Punch, 0, len(records))
	for _, rec := range records {
		if p, ok := normalizeVendorRecord(rec); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *sdkTransport) Disconnect(context.Context) {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("vendor sdk close")
	}
	s.client = nil
}

// normalizeVendorRecord maps the field names used by different firmware
// revisions onto a Punch. Records without a user id or time are dropped.
func normalizeVendorRecord(rec map[string]any) (Punch, bool) {
	userID := firstString(rec, "userId", "deviceUserId", "uid")
	var raw any
	for _, k := range []string{"timestamp", "time"} {
		if v, ok := rec[k]; ok && v != nil {
			raw = v
			break
		}
	}
	if raw == nil {
		if nested, ok := rec["record"].(map[string]any); ok {
			raw = nested["timestamp"]
		}
	}
	if userID == "" || raw == nil {
		return Punch{}, false
	}
	ts, ok := vendorTime(raw)
	if !ok {
		return Punch{}, false
	}
	p := Punch{
		DeviceUserID: userID,
		Timestamp:    ts.UTC().Format(TimestampLayout),
		WorkCode:     firstString(rec, "workCode"),
	}
	if v, ok := rec["verifyMode"]; ok {
		if n, ok := toInt(v); ok {
			p.VerifyMode = n
		}
	}
	return p, true
}

func firstString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			s = fmt.Sprint(t)
		}
		if s != "" {
			return s
		}
	}
	return ""
}

func vendorTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if parsed, err := time.ParseInLocation(layout, t, time.Local); err == nil {
				return parsed, true
			}
		}
	case int64:
		return time.UnixMilli(t), t > 0
	case float64:
		return time.UnixMilli(int64(t)), t > 0
	}
	return time.Time{}, false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}
