package device

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestMockTransportFetchesTodaysPunches(t *testing.T) {
	loc := time.FixedZone("AST", 3*3600)
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, loc)
	d := New(NewConfigHolder(Config{MockMode: true}), WithLocation(loc), WithClock(func() time.Time { return now }))

	tr := d.Open()
	assert.Equal(t, "mock", tr.Via())
	require.True(t, tr.Connect(context.Background()))
	punches, err := tr.FetchAttendance(context.Background())
	require.NoError(t, err)
	require.Len(t, punches, 3)
	assert.Equal(t, "1001", punches[0].DeviceUserID)
	assert.Equal(t, "2024-05-01T04:15:00.000Z", punches[0].Timestamp)
	assert.Equal(t, "2024-05-01T03:55:00.000Z", punches[1].Timestamp)
}

func TestSocketTransportFetchIsUnsupported(t *testing.T) {
	ip, port := listen(t)
	d := New(NewConfigHolder(Config{IP: ip, Port: port, TimeoutMs: 500}))

	tr := d.Open()
	assert.Equal(t, "tcp", tr.Via())
	require.True(t, tr.Connect(context.Background()))
	defer tr.Disconnect(context.Background())

	punches, err := tr.FetchAttendance(context.Background())
	assert.Nil(t, punches)
	assert.ErrorIs(t, err, ErrFetchUnsupported)
}

func TestSocketConnectRefused(t *testing.T) {
	d := New(NewConfigHolder(Config{IP: "127.0.0.1", Port: closedPort(t), TimeoutMs: 500}))
	assert.False(t, d.Open().Connect(context.Background()))
}

func TestUseSDKWithoutVendorFallsBackToSocket(t *testing.T) {
	d := New(NewConfigHolder(Config{IP: "127.0.0.1", UseSDK: true}))
	assert.Equal(t, "tcp", d.Open().Via())
}

func TestDiagnoseBoundedRetriesOnTimeout(t *testing.T) {
	blocking := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := New(NewConfigHolder(Config{IP: "10.0.0.1", Port: 4370, TimeoutMs: 50, Retries: 3}), WithDialer(blocking))

	start := time.Now()
	report := d.Diagnose(context.Background())
	elapsed := time.Since(start)

	require.Len(t, report.Attempts, 3)
	assert.False(t, report.FinalOK)
	for _, a := range report.Attempts {
		assert.False(t, a.OK)
		assert.Equal(t, CodeTimeout, a.Code)
		assert.Equal(t, "tcp", a.Via)
	}
	assert.Contains(t, report.Message, CodeTimeout)
	assert.GreaterOrEqual(t, elapsed, 3*50*time.Millisecond+2*diagnosePause)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDiagnoseDistinguishesRefusal(t *testing.T) {
	d := New(NewConfigHolder(Config{IP: "127.0.0.1", Port: closedPort(t), TimeoutMs: 500, Retries: 2}))

	report := d.Diagnose(context.Background())
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, CodeRefused, report.Attempts[1].Code)
	assert.Equal(t, CodeRefused+": "+report.Attempts[1].Error, report.Message)
}

func TestDiagnoseStopsAtFirstSuccess(t *testing.T) {
	calls := 0
	ip, port := listen(t)
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		var nd net.Dialer
		return nd.DialContext(ctx, network, addr)
	}
	d := New(NewConfigHolder(Config{IP: ip, Port: port, Retries: 5}), WithDialer(dialer))

	report := d.Diagnose(context.Background())
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, CodeUnknown, report.Attempts[0].Code)
	assert.True(t, report.FinalOK)
	assert.Equal(t, "connected", report.Message)
}

func TestDiagnoseMockNeverTouchesNetwork(t *testing.T) {
	dialer := func(context.Context, string, string) (net.Conn, error) {
		t.Fatal("dialer must not be called in mock mode")
		return nil, nil
	}
	d := New(NewConfigHolder(Config{MockMode: true, Retries: 3}), WithDialer(dialer))

	report := d.Diagnose(context.Background())
	require.Len(t, report.Attempts, 1)
	assert.True(t, report.FinalOK)
	assert.Equal(t, "mock", report.Protocol)
}

func TestSetConfigAppliesPartialPatch(t *testing.T) {
	d := New(NewConfigHolder(Config{IP: "192.168.1.201"}))
	port := 5005
	mock := true
	cfg := d.SetConfig(ConfigPatch{Port: &port, MockMode: &mock})

	assert.Equal(t, "192.168.1.201", cfg.IP)
	assert.Equal(t, 5005, cfg.Port)
	assert.True(t, cfg.MockMode)
	assert.Equal(t, DefaultRetries, cfg.Retries)
	assert.Equal(t, 5005, d.Config().Port)
}

func TestTransportKeepsConfigFromOpen(t *testing.T) {
	d := New(NewConfigHolder(Config{MockMode: true}))
	tr := d.Open()
	off := false
	d.SetConfig(ConfigPatch{MockMode: &off})

	assert.Equal(t, "mock", tr.Via())
	assert.Equal(t, "tcp", d.Open().Via())
}

func TestDiagnoseWithLeavesSharedConfigAlone(t *testing.T) {
	ip, port := listen(t)
	d := New(NewConfigHolder(Config{IP: "192.168.1.201", MockMode: true}))
	off := false

	report := d.DiagnoseWith(context.Background(), ConfigPatch{IP: &ip, Port: &port, MockMode: &off})
	assert.True(t, report.FinalOK)
	assert.Equal(t, "tcp", report.Protocol)
	assert.Equal(t, port, report.Port)

	cfg := d.Config()
	assert.True(t, cfg.MockMode)
	assert.Equal(t, "192.168.1.201", cfg.IP)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "mock", d.Open().Via())
}
