package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stationlink/backend/services/ocpp-server/internal/registry"
)

func newTestCorrelator(t *testing.T, conns ...*fakeConn) (*Correlator, *recordingObserver) {
	t.Helper()
	reg := registry.New()
	for _, c := range conns {
		reg.Register(c.id, c)
	}
	rec := &recordingObserver{}
	hooks := NewHooks(zaptest.NewLogger(t))
	hooks.Add("recorder", rec)
	return NewCorrelator(reg, hooks, time.Second, zaptest.NewLogger(t)), rec
}

func TestCorrelatorSuccess(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, rec := newTestCorrelator(t, conn)

	var pendingDuringWrite int
	conn.setOnWrite(func(frame []byte) {
		pendingDuringWrite = c.PendingCount()
		go c.Resolve("CS-1", Decode([]byte(`[3,"42",{"status":"Accepted"}]`)))
	})

	out, err := c.Send(context.Background(), SendRequest{
		StationID: "CS-1",
		Action:    "Reset",
		Payload:   map[string]string{"type": "Immediate"},
		RequestID: "42",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "42", out.RequestID)
	assert.Equal(t, `{"status":"Accepted"}`, string(out.Payload))
	assert.Nil(t, out.Err)
	assert.Equal(t, `[2,"42","Reset",{"type":"Immediate"}]`, conn.frameAt(0))
	assert.Equal(t, 1, pendingDuringWrite)
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, []EventKind{EventRequestSent, EventResponseReceived}, rec.kinds())
}

func TestCorrelatorCallError(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)
	conn.setOnWrite(func([]byte) {
		go c.Resolve("CS-1", Decode([]byte(`[4,"43","NotSupported","Reset is not supported",{"hint":"upgrade"}]`)))
	})

	out, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "43"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeProtocolError, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, NotSupported, out.Err.Code)
	assert.Equal(t, "Reset is not supported", out.Err.Description)
	assert.JSONEq(t, `{"hint":"upgrade"}`, string(out.Err.Details))
	assert.Equal(t, `[2,"43","Reset",{}]`, conn.frameAt(0))
}

func TestCorrelatorTimeoutThenLateResponse(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, rec := newTestCorrelator(t, conn)

	out, err := c.Send(context.Background(), SendRequest{
		StationID: "CS-1",
		Action:    "GetConfiguration",
		RequestID: "44",
		Timeout:   30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimeout, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, Timeout, out.Err.Code)
	assert.Equal(t, 0, c.PendingCount())

	assert.False(t, c.Resolve("CS-1", Decode([]byte(`[3,"44",{}]`))))
	assert.Equal(t, []EventKind{EventRequestSent, EventRequestTimedOut, EventFrameDropped}, rec.kinds())
}

func TestCorrelatorUnreachable(t *testing.T) {
	c, rec := newTestCorrelator(t)

	out, err := c.Send(context.Background(), SendRequest{StationID: "CS-404", Action: "Reset", RequestID: "45"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnreachable, out.Kind)
	assert.Equal(t, "45", out.RequestID)
	assert.Equal(t, 0, c.PendingCount())
	assert.Empty(t, rec.kinds())
}

func TestCorrelatorWriteFailure(t *testing.T) {
	conn := newFakeConn("CS-1")
	conn.setWriteErr(errors.New("broken pipe"))
	c, _ := newTestCorrelator(t, conn)

	out, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnreachable, out.Kind)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorInvalidRequests(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)

	_, err := c.Send(context.Background(), SendRequest{Action: "Reset"})
	assert.ErrorIs(t, err, ErrEmptyStationID)

	_, err = c.Send(context.Background(), SendRequest{StationID: "CS-1"})
	assert.ErrorIs(t, err, ErrEmptyAction)

	_, err = c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", Payload: []string{"a"}})
	assert.Error(t, err)

	assert.Zero(t, conn.frameCount())
}

func TestCorrelatorDuplicateRequestID(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)

	firstDone := make(chan Outcome, 1)
	go func() {
		out, _ := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "dup"})
		firstDone <- out
	}()
	waitFor(t, time.Second, func() bool { return c.PendingCount() == 1 })

	_, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateRequestID)
	assert.Equal(t, 1, conn.frameCount())

	require.True(t, c.Resolve("CS-1", Decode([]byte(`[3,"dup",{}]`))))
	assert.Equal(t, OutcomeSuccess, (<-firstDone).Kind)
}

func TestCorrelatorIgnoresForeignStation(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "46"})
		done <- out
	}()
	waitFor(t, time.Second, func() bool { return c.PendingCount() == 1 })

	assert.False(t, c.Resolve("CS-2", Decode([]byte(`[3,"46",{"status":"Accepted"}]`))))
	assert.Equal(t, 1, c.PendingCount())

	assert.True(t, c.Resolve("CS-1", Decode([]byte(`[3,"46",{"status":"Rejected"}]`))))
	out := <-done
	assert.Equal(t, `{"status":"Rejected"}`, string(out.Payload))
}

func TestCorrelatorDuplicateResponse(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)
	resolved := make(chan bool, 2)
	conn.setOnWrite(func([]byte) {
		go func() {
			resolved <- c.Resolve("CS-1", Decode([]byte(`[3,"47",{"n":1}]`)))
			resolved <- c.Resolve("CS-1", Decode([]byte(`[3,"47",{"n":2}]`)))
		}()
	})

	out, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "47"})
	require.NoError(t, err)

	assert.Equal(t, `{"n":1}`, string(out.Payload))
	assert.True(t, <-resolved)
	assert.False(t, <-resolved)
}

func TestCorrelatorContextCancel(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	conn.setOnWrite(func([]byte) { cancel() })

	out, err := c.Send(ctx, SendRequest{StationID: "CS-1", Action: "Reset", RequestID: "48", Timeout: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.Equal(t, Timeout, out.Err.Code)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorGeneratesRequestIDs(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)
	conn.setOnWrite(func(frame []byte) {
		call, ok := Decode(frame).(Call)
		if !ok {
			return
		}
		go c.Resolve("CS-1", CallResult{ID: call.ID, Payload: json.RawMessage(`{}`)})
	})

	first, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Heartbeat"})
	require.NoError(t, err)
	second, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Heartbeat"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.RequestID)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, OutcomeSuccess, first.Kind)
	assert.Equal(t, OutcomeSuccess, second.Kind)
}

func TestCorrelatorIDGeneratorFailure(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)
	c.newID = func() (string, error) { return "", errors.New("entropy exhausted") }

	_, err := c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset"})
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestCorrelatorPendingSnapshot(t *testing.T) {
	conn := newFakeConn("CS-1")
	c, _ := newTestCorrelator(t, conn)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i, id := range []string{"a", "b"} {
		id := id
		go func() {
			_, _ = c.Send(context.Background(), SendRequest{StationID: "CS-1", Action: "Reset", RequestID: id, Timeout: time.Minute})
		}()
		sent := i + 1
		waitFor(t, time.Second, func() bool { return conn.frameCount() == sent })
	}

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].RequestID)
	assert.Equal(t, "b", pending[1].RequestID)
	assert.Equal(t, "Reset", pending[0].Action)
	assert.Equal(t, pending[0].CreatedAt.Add(time.Minute), pending[0].Deadline)

	c.Resolve("CS-1", Decode([]byte(`[3,"a",{}]`)))
	c.Resolve("CS-1", Decode([]byte(`[3,"b",{}]`)))
	waitFor(t, time.Second, func() bool { return c.PendingCount() == 0 })
}

func TestCorrelatorConcurrentSends(t *testing.T) {
	conns := []*fakeConn{newFakeConn("CS-1"), newFakeConn("CS-2"), newFakeConn("CS-3")}
	c, _ := newTestCorrelator(t, conns...)
	for _, conn := range conns {
		station := conn.id
		conn.setOnWrite(func(frame []byte) {
			call := Decode(frame).(Call)
			go c.Resolve(station, CallResult{ID: call.ID, Payload: json.RawMessage(fmt.Sprintf(`{"echo":%q}`, call.ID))})
		})
	}

	const perStation = 20
	var wg sync.WaitGroup
	errs := make(chan error, len(conns)*perStation)
	for _, conn := range conns {
		for i := 0; i < perStation; i++ {
			wg.Add(1)
			go func(station string, i int) {
				defer wg.Done()
				id := fmt.Sprintf("%s-%d", station, i)
				out, err := c.Send(context.Background(), SendRequest{StationID: station, Action: "DataTransfer", RequestID: id})
				if err != nil {
					errs <- err
					return
				}
				if out.Kind != OutcomeSuccess || string(out.Payload) != fmt.Sprintf(`{"echo":%q}`, id) {
					errs <- fmt.Errorf("request %s: got %s %s", id, out.Kind, out.Payload)
				}
			}(conn.id, i)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "error", OutcomeProtocolError.String())
	assert.Equal(t, "timeout", OutcomeTimeout.String())
	assert.Equal(t, "unreachable", OutcomeUnreachable.String())
	assert.Equal(t, "unknown", OutcomeKind(99).String())
}
