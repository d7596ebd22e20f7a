package device

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ErrFetchUnsupported is returned by the raw-socket strategy, which can open a
// connection to the device but does not speak its packet protocol.
var ErrFetchUnsupported = errors.New("device: tcp packet handling not implemented; enable sdk or mock mode")

// TimestampLayout is the ISO-8601 layout used for every punch timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Punch is one observed device event.
type Punch struct {
	DeviceUserID string `json:"deviceUserId,omitempty"`
	Timestamp    string `json:"timestamp"`
	WorkCode     string `json:"workCode,omitempty"`
	VerifyMode   int    `json:"verifyMode,omitempty"`
}

// Transport is a single device session. FetchAttendance performs a fresh read
// on every call.
type Transport interface {
	Connect(ctx context.Context) bool
	FetchAttendance(ctx context.Context) ([]Punch, error)
	Disconnect(ctx context.Context)
	Via() string
}

// prober is implemented by strategies that can report why a connection failed.
type prober interface {
	dial(ctx context.Context) error
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Device builds transports from the current configuration.
type Device struct {
	holder  *ConfigHolder
	vendor  VendorFactory
	dial    DialFunc
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
	mockLag time.Duration
}

// Option customises a Device.
type Option func(*Device)

// WithVendor registers the vendor SDK client factory. Without it the SDK
// strategy is unavailable and UseSDK falls back to the raw socket.
func WithVendor(f VendorFactory) Option { return func(d *Device) { d.vendor = f } }

// WithDialer overrides the TCP dialer used by the raw-socket strategy.
func WithDialer(f DialFunc) Option { return func(d *Device) { d.dial = f } }

// WithLocation sets the zone used to build mock punches.
func WithLocation(loc *time.Location) Option { return func(d *Device) { d.loc = loc } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Device) { d.now = now } }

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Device) { d.logger = l } }

// New creates a Device bound to the holder.
func New(holder *ConfigHolder, opts ...Option) *Device {
	d := &Device{
		holder:  holder,
		loc:     time.Local,
		now:     time.Now,
		logger:  zerolog.Nop(),
		mockLag: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dial == nil {
		d.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, network, addr)
		}
	}
	return d
}

// Config returns the current configuration snapshot.
func (d *Device) Config() Config { return d.holder.Snapshot() }

// SetConfig applies a partial configuration update. Transports already
// opened keep the configuration they were created with.
func (d *Device) SetConfig(p ConfigPatch) Config {
	cfg := d.holder.Apply(p)
	d.logger.Info().Str("ip", cfg.IP).Int("port", cfg.Port).Bool("mock", cfg.MockMode).Bool("sdk", cfg.UseSDK).Msg("device config updated")
	return cfg
}

// Open returns a transport for the configuration in effect right now.
func (d *Device) Open() Transport {
	return d.open(d.holder.Snapshot())
}

func (d *Device) open(cfg Config) Transport {
	switch {
	case cfg.MockMode:
		return &mockTransport{lag: d.mockLag, loc: d.loc, now: d.now}
	case cfg.UseSDK && d.vendor != nil:
		return &sdkTransport{cfg: cfg, factory: d.vendor, logger: d.logger}
	default:
		return &socketTransport{cfg: cfg, dialFn: d.dial, logger: d.logger}
	}
}
