package device

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"
)

// socketTransport opens a plain TCP connection to the device.
type socketTransport struct {
	cfg    Config
	dialFn DialFunc
	logger zerolog.Logger
	conn   net.Conn
}

func (s *socketTransport) Via() string { return "tcp" }

func (s *socketTransport) Connect(ctx context.Context) bool {
	if err := s.dial(ctx); err != nil {
		s.logger.Warn().Err(err).Str("addr", s.addr()).Msg("device socket connect failed")
		return false
	}
	return true
}

// dial enforces the configured timeout on the client side; on expiry the
// pending connection is abandoned by the dialer.
func (s *socketTransport) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	conn, err := s.dialFn(ctx, "tcp", s.addr())
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *socketTransport) FetchAttendance(context.Context) ([]Punch, error) {
	return nil, ErrFetchUnsupported
}

func (s *socketTransport) Disconnect(context.Context) {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *socketTransport) addr() string {
	return net.JoinHostPort(s.cfg.IP, strconv.Itoa(s.cfg.Port))
}
