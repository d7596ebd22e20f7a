package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"timeclock/internal/device"
)

type fakeRoster struct {
	byDevice   map[string]int64
	byNational map[string]int64
	calls      []string
}

func (f *fakeRoster) FindByDeviceUserID(_ context.Context, id string) (*int64, error) {
	f.calls = append(f.calls, "device:"+id)
	if v, ok := f.byDevice[id]; ok {
		return &v, nil
	}
	return nil, nil
}

func (f *fakeRoster) FindByNationalID(_ context.Context, id string) (*int64, error) {
	f.calls = append(f.calls, "national:"+id)
	if v, ok := f.byNational[id]; ok {
		return &v, nil
	}
	return nil, nil
}

type eventKey struct {
	orphan    bool
	studentID int64
	timestamp string
}

func keyOf(studentID *int64, ts string) eventKey {
	if studentID == nil {
		return eventKey{orphan: true, timestamp: ts}
	}
	return eventKey{studentID: *studentID, timestamp: ts}
}

type fakeEvents struct {
	mu     sync.Mutex
	stored map[eventKey]Event
	order  []Event
}

func newFakeEvents() *fakeEvents { return &fakeEvents{stored: map[eventKey]Event{}} }

func (f *fakeEvents) Exists(_ context.Context, studentID *int64, ts string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[keyOf(studentID, ts)]
	return ok, nil
}

func (f *fakeEvents) InsertIfAbsent(_ context.Context, evt Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyOf(evt.StudentID, evt.Timestamp)
	if _, ok := f.stored[k]; ok {
		return false, nil
	}
	f.stored[k] = evt
	f.order = append(f.order, evt)
	return true, nil
}

type fakeSettings map[string]string

func (f fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f[key]
	return v, ok, nil
}

type logLine struct {
	status, message string
}

type fakeAudit struct {
	lines []logLine
	err   error
}

func (f *fakeAudit) Append(_ context.Context, _ time.Time, status, message string) error {
	if f.err != nil {
		return f.err
	}
	f.lines = append(f.lines, logLine{status, message})
	return nil
}

type fakeHook struct {
	runs []Run
	err  error
}

func (f *fakeHook) Fire(_ context.Context, run Run) error {
	f.runs = append(f.runs, run)
	return f.err
}

type fakeTransport struct {
	connectOK    bool
	punches      []device.Punch
	fetchErr     error
	disconnected bool
}

func (f *fakeTransport) Connect(context.Context) bool { return f.connectOK }

func (f *fakeTransport) FetchAttendance(context.Context) ([]device.Punch, error) {
	return f.punches, f.fetchErr
}

func (f *fakeTransport) Disconnect(context.Context) { f.disconnected = true }

func (f *fakeTransport) Via() string { return "fake" }

type fakeOpener struct{ t *fakeTransport }

func (f fakeOpener) Open() device.Transport { return f.t }

var errBoom = errors.New("boom")

func ptr(v int64) *int64 { return &v }
