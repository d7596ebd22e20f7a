package device

import (
	"context"
	"time"
)

// mockTransport simulates a device for development without hardware.
type mockTransport struct {
	lag time.Duration
	loc *time.Location
	now func() time.Time
}

func (m *mockTransport) Via() string { return "mock" }

func (m *mockTransport) Connect(ctx context.Context) bool {
	return m.dial(ctx) == nil
}

func (m *mockTransport) dial(ctx context.Context) error {
	t := time.NewTimer(m.lag)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) FetchAttendance(context.Context) ([]Punch, error) {
	now := m.now().In(m.loc)
	at := func(hour, min int) string {
		return time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, m.loc).UTC().Format(TimestampLayout)
	}
	return []Punch{
		{DeviceUserID: "1001", Timestamp: at(7, 15), VerifyMode: 1},
		{DeviceUserID: "1002", Timestamp: at(6, 55), VerifyMode: 1},
		{DeviceUserID: "1003", Timestamp: at(7, 45), VerifyMode: 1},
	}, nil
}

func (m *mockTransport) Disconnect(context.Context) {}
