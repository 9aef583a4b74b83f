package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stationlink/backend/services/ocpp-server/internal/auth"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
)

func TestIdentityFromPath(t *testing.T) {
	long := strings.Repeat("a", 48)
	valid := map[string]string{
		"/ocpp/CS-1":           "CS-1",
		"/ocpp/CS-1/":          "CS-1",
		"/ocpp/site/CP_0001.a": "CP_0001.a",
		"/ocpp/urn:cp:42":      "urn:cp:42",
		"/ocpp/" + long:        long,
	}
	for path, want := range valid {
		got, err := identityFromPath(path, "/ocpp/")
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	for _, path := range []string{
		"/ocpp/",
		"/ocpp",
		"/other/CS-1",
		"/ocpp/CS 1",
		"/ocpp/CS#1",
		"/ocpp/" + strings.Repeat("a", 49),
	} {
		_, err := identityFromPath(path, "/ocpp/")
		assert.ErrorIs(t, err, errInvalidIdentity, path)
	}
}

type testServer struct {
	engine *ocpp.Engine
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, authenticator auth.Authenticator) *testServer {
	t.Helper()
	router := ocpp.NewRouter()
	router.Register("Heartbeat", func(context.Context, string, json.RawMessage) (interface{}, error) {
		return map[string]string{"currentTime": "2024-01-01T00:00:00Z"}, nil
	})
	engine := ocpp.NewEngine(ocpp.EngineConfig{Router: router, CallTimeout: 2 * time.Second, Logger: zaptest.NewLogger(t)})
	server := NewServer(engine, authenticator, Options{PingInterval: time.Second}, zaptest.NewLogger(t))

	mux := http.NewServeMux()
	mux.Handle(server.PathPrefix(), server)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		engine.Shutdown(ReasonShutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
	})
	return &testServer{engine: engine, server: server, http: ts}
}

func (s *testServer) dial(t *testing.T, identity string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}, HandshakeTimeout: 2 * time.Second}
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ocpp/" + identity
	return dialer.Dial(url, header)
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestServerAnswersCalls(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, resp, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "ocpp1.6", resp.Header.Get("Sec-WebSocket-Protocol"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[2,"2","Unknown",{}]`)))

	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `[3,"1",{"currentTime":"2024-01-01T00:00:00Z"}]`, string(first))

	_, second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `[4,"2","ProtocolError","The OCPP message 'Unknown' is unknown!",{}]`, string(second))
}

func TestServerSendsCalls(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitUntil(t, func() bool { _, ok := ts.engine.Registry().Resolve("CS-1"); return ok })

	done := make(chan ocpp.Outcome, 1)
	go func() {
		out, _ := ts.engine.Send(context.Background(), ocpp.SendRequest{
			StationID: "CS-1",
			Action:    "Reset",
			Payload:   map[string]string{"type": "Soft"},
			RequestID: "42",
		})
		done <- out
	}()

	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `[2,"42","Reset",{"type":"Soft"}]`, string(frame))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[3,"42",{"status":"Accepted"}]`)))

	select {
	case out := <-done:
		assert.Equal(t, ocpp.OutcomeSuccess, out.Kind)
		assert.JSONEq(t, `{"status":"Accepted"}`, string(out.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}
}

func TestServerRejectsBadIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	_, resp, err := ts.dial(t, "bad%20id", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	deny := auth.AuthenticatorFunc(func(r *http.Request, identity string) error {
		if user, pass, ok := r.BasicAuth(); ok && user == identity && pass == "pw" {
			return nil
		}
		return auth.ErrUnauthorized
	})
	ts := newTestServer(t, deny)

	_, resp, err := ts.dial(t, "CS-1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="ocpp"`, resp.Header.Get("WWW-Authenticate"))

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("CS-1", "pw")
	header.Set("Authorization", req.Header.Get("Authorization"))
	conn, _, err := ts.dial(t, "CS-1", header)
	require.NoError(t, err)
	conn.Close()
}

func TestServerRequiresSubprotocol(t *testing.T) {
	ts := newTestServer(t, nil)
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: 2 * time.Second}

	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.http.URL, "http")+"/ocpp/CS-1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerEvictsDuplicateIdentity(t *testing.T) {
	ts := newTestServer(t, nil)

	first, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer first.Close()
	waitUntil(t, func() bool { _, ok := ts.engine.Registry().Resolve("CS-1"); return ok })

	second, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer second.Close()

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	// The replacement keeps working after the old socket is gone.
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)))
	_, reply, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(reply), `[3,"1",`)
	assert.Len(t, ts.engine.Stations(), 1)
}

func TestServerUnregistersOnDisconnect(t *testing.T) {
	ts := newTestServer(t, nil)

	conn, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(ts.engine.Stations()) == 1 })

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	waitUntil(t, func() bool { return len(ts.engine.Stations()) == 0 })

	out, err := ts.engine.Send(context.Background(), ocpp.SendRequest{StationID: "CS-1", Action: "Reset"})
	require.NoError(t, err)
	assert.Equal(t, ocpp.OutcomeUnreachable, out.Kind)
}

func TestConnectionWriteAfterClose(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitUntil(t, func() bool { _, ok := ts.engine.Registry().Resolve("CS-1"); return ok })

	registered, _ := ts.engine.Registry().Resolve("CS-1")
	require.NoError(t, registered.Close("test"))
	assert.ErrorIs(t, registered.Write(context.Background(), []byte(`[2,"1","Reset",{}]`)), ErrConnectionClosed)
	assert.NoError(t, registered.Close("again"))
}

func TestConnectionWriteWithCancelledContextSendsNothing(t *testing.T) {
	ts := newTestServer(t, nil)
	conn, _, err := ts.dial(t, "CS-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	waitUntil(t, func() bool { _, ok := ts.engine.Registry().Resolve("CS-1"); return ok })
	registered, _ := ts.engine.Registry().Resolve("CS-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		assert.ErrorIs(t, registered.Write(ctx, []byte(`[2,"dropped","Reset",{}]`)), context.Canceled)
	}
	require.NoError(t, registered.Write(context.Background(), []byte(`[2,"kept","Reset",{}]`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `[2,"kept","Reset",{}]`, string(frame))
}
