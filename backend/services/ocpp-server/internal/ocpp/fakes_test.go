package ocpp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errConnClosed = errors.New("fake: connection closed")

type fakeConn struct {
	id   string
	addr string

	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
	reason   string
	onWrite  func(frame []byte)
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, addr: "192.0.2.10:40000"}
}

func (f *fakeConn) StationID() string         { return f.id }
func (f *fakeConn) RemoteAddr() string        { return f.addr }
func (f *fakeConn) ConnectedSince() time.Time { return time.Time{} }

func (f *fakeConn) Write(_ context.Context, frame []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errConnClosed
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	copied := append([]byte(nil), frame...)
	f.frames = append(f.frames, copied)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(copied)
	}
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeConn) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeConn) setOnWrite(hook func(frame []byte)) {
	f.mu.Lock()
	f.onWrite = hook
	f.mu.Unlock()
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) frameAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.frames) {
		return ""
	}
	return string(f.frames[i])
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingObserver) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
