package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVendor struct {
	openErr  error
	records  []map[string]any
	readErr  error
	panicked bool
	closed   bool
}

func (f *fakeVendor) Open(context.Context) error { return f.openErr }

func (f *fakeVendor) Attendances(context.Context) ([]map[string]any, error) {
	if f.panicked {
		panic("firmware says no")
	}
	return f.records, f.readErr
}

func (f *fakeVendor) Close() error {
	f.closed = true
	return nil
}

func sdkDevice(v *fakeVendor) *Device {
	return New(NewConfigHolder(Config{IP: "10.0.0.2", UseSDK: true}), WithVendor(func(Config) (VendorClient, error) {
		return v, nil
	}))
}

func TestSDKNormalizesVendorRecords(t *testing.T) {
	at := time.Date(2024, 5, 1, 4, 10, 0, 0, time.UTC)
	v := &fakeVendor{records: []map[string]any{
		{"userId": "1001", "timestamp": at, "verifyMode": 1},
		{"uid": float64(77), "record": map[string]any{"timestamp": at.Format(time.RFC3339)}, "workCode": "1234567890"},
		{"deviceUserId": "1003"},
		{"time": at},
	}}
	tr := sdkDevice(v).Open()
	assert.Equal(t, "sdk", tr.Via())
	require.True(t, tr.Connect(context.Background()))

	punches, err := tr.FetchAttendance(context.Background())
	require.NoError(t, err)
	require.Len(t, punches, 2)
	assert.Equal(t, Punch{DeviceUserID: "1001", Timestamp: "2024-05-01T04:10:00.000Z", VerifyMode: 1}, punches[0])
	assert.Equal(t, "77", punches[1].DeviceUserID)
	assert.Equal(t, "1234567890", punches[1].WorkCode)

	tr.Disconnect(context.Background())
	assert.True(t, v.closed)
}

func TestSDKErrorsNeverReachCaller(t *testing.T) {
	tr := sdkDevice(&fakeVendor{openErr: errors.New("handshake failed")}).Open()
	assert.False(t, tr.Connect(context.Background()))

	tr = sdkDevice(&fakeVendor{readErr: errors.New("read failed")}).Open()
	require.True(t, tr.Connect(context.Background()))
	punches, err := tr.FetchAttendance(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, punches)

	tr = sdkDevice(&fakeVendor{panicked: true}).Open()
	require.True(t, tr.Connect(context.Background()))
	punches, err = tr.FetchAttendance(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, punches)
}

func TestSDKFetchWithoutSessionIsEmpty(t *testing.T) {
	tr := sdkDevice(&fakeVendor{openErr: errors.New("handshake failed")}).Open()
	assert.False(t, tr.Connect(context.Background()))

	punches, err := tr.FetchAttendance(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, punches)
}
