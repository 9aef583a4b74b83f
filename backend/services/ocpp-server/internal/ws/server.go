package ws

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/auth"
	"stationlink/backend/services/ocpp-server/internal/registry"
)

// Engine is the protocol side of a station connection.
type Engine interface {
	Connect(conn registry.Conn)
	Disconnect(conn registry.Conn)
	HandleFrame(ctx context.Context, conn registry.Conn, raw []byte) error
}

// Options tune the transport. Zero values fall back to defaults.
type Options struct {
	PathPrefix   string
	Subprotocols []string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendQueue    int
}

func (o Options) withDefaults() Options {
	if o.PathPrefix == "" {
		o.PathPrefix = "/ocpp/"
	}
	if !strings.HasSuffix(o.PathPrefix, "/") {
		o.PathPrefix += "/"
	}
	if len(o.Subprotocols) == 0 {
		o.Subprotocols = []string{"ocpp1.6", "ocpp2.0.1"}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 15 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1024 * 1024
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 16
	}
	return o
}

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,48}$`)

var errInvalidIdentity = errors.New("ws: invalid station identity")

// Server upgrades HTTP connections to OCPP WebSockets.
type Server struct {
	engine   Engine
	auth     auth.Authenticator
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds ws server.
func NewServer(engine Engine, authenticator auth.Authenticator, opts Options, logger *zap.Logger) *Server {
	if authenticator == nil {
		authenticator = auth.AllowAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine: engine,
		auth:   authenticator,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    opts.Subprotocols,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// PathPrefix is the mount point of the handler, e.g. "/ocpp/".
func (s *Server) PathPrefix() string { return s.opts.PathPrefix }

// ServeHTTP handles {prefix}{identity} upgrade requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromPath(r.URL.Path, s.opts.PathPrefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.auth.Authenticate(r, identity); err != nil {
		s.logger.Info("station rejected", zap.String("station_id", identity), zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		w.Header().Set("WWW-Authenticate", `Basic realm="ocpp"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.offersSubprotocol(r) {
		http.Error(w, "no supported OCPP subprotocol offered", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.String("station_id", identity), zap.Error(err))
		return
	}

	connection := newConnection(identity, conn, s.opts, s.logger)
	s.engine.Connect(connection)
	s.logger.Info("station connected",
		zap.String("station_id", identity),
		zap.String("remote_addr", connection.RemoteAddr()),
		zap.String("subprotocol", connection.Subprotocol()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		connection.run(s.ctx, s.engine)
		s.engine.Disconnect(connection)
	}()
}

// Shutdown cancels in-flight frame handling and waits for connection goroutines to exit. The
// connections themselves are closed by the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) offersSubprotocol(r *http.Request) bool {
	for _, offered := range websocket.Subprotocols(r) {
		for _, supported := range s.opts.Subprotocols {
			if offered == supported {
				return true
			}
		}
	}
	return false
}

// identityFromPath returns the last non-empty segment below prefix.
func identityFromPath(path, prefix string) (string, error) {
	if !strings.HasPrefix(path, prefix) {
		return "", errInvalidIdentity
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", errInvalidIdentity
	}
	identity := rest[strings.LastIndex(rest, "/")+1:]
	if !identityPattern.MatchString(identity) {
		return "", errInvalidIdentity
	}
	return identity, nil
}
