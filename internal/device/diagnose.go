package device

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"timeclock/internal/metrics"
)

// diagnosePause separates consecutive probe attempts.
const diagnosePause = 100 * time.Millisecond

// Error codes reported by Diagnose.
const (
	CodeTimeout     = "ETIMEDOUT"
	CodeRefused     = "ECONNREFUSED"
	CodeHostUnreach = "EHOSTUNREACH"
	CodeNetUnreach  = "ENETUNREACH"
	CodeNotFound    = "ENOTFOUND"
	CodeUnknown     = "EUNKNOWN"
)

// Attempt is the outcome of one connection probe.
type Attempt struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Via        string `json:"via"`
}

// DiagnosticReport aggregates the probe attempts.
type DiagnosticReport struct {
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Retries   int       `json:"retries"`
	TimeoutMs int       `json:"timeoutMs"`
	Protocol  string    `json:"protocol"`
	Attempts  []Attempt `json:"attempts"`
	FinalOK   bool      `json:"finalOk"`
	Message   string    `json:"message"`
}

// Diagnose probes connectivity without fetching any records. It makes up to
// Retries sequential connection attempts and stops at the first success.
func (d *Device) Diagnose(ctx context.Context) DiagnosticReport {
	return d.DiagnoseWith(ctx, ConfigPatch{})
}

// DiagnoseWith probes with the patch applied to a copy of the current
// configuration. The shared configuration is left untouched.
func (d *Device) DiagnoseWith(ctx context.Context, p ConfigPatch) DiagnosticReport {
	cfg := d.holder.Snapshot().Merge(p)
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	report := DiagnosticReport{
		IP:        cfg.IP,
		Port:      cfg.Port,
		Retries:   retries,
		TimeoutMs: int(cfg.Timeout() / time.Millisecond),
	}

	var lastFail Attempt
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-time.After(diagnosePause):
			case <-ctx.Done():
			}
		}
		t := d.open(cfg)
		report.Protocol = t.Via()
		start := time.Now()
		var err error
		if p, ok := t.(prober); ok {
			err = p.dial(ctx)
		} else if !t.Connect(ctx) {
			err = errors.New("connect failed")
		}
		t.Disconnect(ctx)

		a := Attempt{OK: err == nil, DurationMs: time.Since(start).Milliseconds(), Via: t.Via()}
		if err != nil {
			a.Error = err.Error()
			a.Code = ErrorCode(err)
		}
		report.Attempts = append(report.Attempts, a)
		if a.OK {
			report.FinalOK = true
			break
		}
		lastFail = a
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case report.FinalOK:
		report.Message = "connected"
	case len(report.Attempts) > 0:
		report.Message = lastFail.Code + ": " + lastFail.Error
	default:
		report.Message = "no attempts"
	}
	metrics.ObserveDiagnose(report.FinalOK)
	d.logger.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Bool("ok", report.FinalOK).Int("attempts", len(report.Attempts)).Msg(report.Message)
	return report
}

// ErrorCode classifies a connection error.
func ErrorCode(err error) string {
	var (
		netErr net.Error
		dnsErr *net.DNSError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return CodeHostUnreach
	case errors.Is(err, syscall.ENETUNREACH):
		return CodeNetUnreach
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeNotFound
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	}
	return CodeUnknown
}
