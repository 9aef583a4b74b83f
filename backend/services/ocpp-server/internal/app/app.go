package app

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libmqtt "stationlink/backend/libs/mqtt"
	libredis "stationlink/backend/libs/redis"
	"stationlink/backend/services/ocpp-server/internal/auth"
	"stationlink/backend/services/ocpp-server/internal/config"
	"stationlink/backend/services/ocpp-server/internal/db"
	"stationlink/backend/services/ocpp-server/internal/events"
	"stationlink/backend/services/ocpp-server/internal/handlers"
	httpserver "stationlink/backend/services/ocpp-server/internal/http"
	httphandlers "stationlink/backend/services/ocpp-server/internal/http/handlers"
	"stationlink/backend/services/ocpp-server/internal/http/middleware"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/presence"
	"stationlink/backend/services/ocpp-server/internal/repository"
	"stationlink/backend/services/ocpp-server/internal/service"
	"stationlink/backend/services/ocpp-server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// App wires all dependencies for the OCPP server.
type App struct {
	engine     *ocpp.Engine
	wsServer   *ws.Server
	httpServer *httpserver.Server
	presence   *presence.Store
	frameLog   *events.FrameLog

	db    *sql.DB
	redis *redis.Client
	mqtt  paho.Client

	logger *zap.Logger
}

// New builds the application graph. Postgres, Redis and MQTT are only connected when configured.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	a = &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	nodeID := cfg.NodeID()
	hooks := ocpp.NewHooks(logger.Named("hooks"))
	hooks.Add("log", ocpp.LogObserver(logger.Named("events")))

	state := service.NewStationState()
	hooks.Add("state", state)

	deps := handlers.Deps{
		State:             state,
		Transactions:      service.NewTransactionStore(),
		HeartbeatInterval: cfg.OCPP.HeartbeatInterval,
		SubscriberWait:    cfg.OCPP.SubscriberWait,
		Logger:            logger.Named("handlers"),
	}

	hasher := auth.NewBcryptHasher(cfg.Auth.BcryptCost)
	authenticator := auth.AllowAll
	var (
		credentials httphandlers.CredentialWriter
		frames      httphandlers.FrameReader
		lookup      httphandlers.PresenceLookup
	)

	if cfg.DatabaseEnabled() {
		if a.db, err = db.NewPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns); err != nil {
			return nil, err
		}
		deps.Stations = repository.NewStationRepository(a.db)
		credentialRepo := repository.NewCredentialRepository(a.db)
		credentials = credentialRepo
		if cfg.Auth.BasicAuth {
			authenticator = auth.NewBasicAuthenticator(credentialRepo, hasher, logger.Named("auth"))
		}
		if cfg.Database.FrameLog {
			frameRepo := repository.NewFrameLogRepository(a.db)
			frames = frameRepo
			a.frameLog = events.NewFrameLog(frameRepo, events.FrameLogOptions{}, logger.Named("framelog"))
			hooks.Add("framelog", a.frameLog)
		}
	}

	if cfg.RedisEnabled() {
		if a.redis, err = libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}); err != nil {
			return nil, err
		}
		if a.presence, err = presence.NewStore(a.redis, presence.Options{
			NodeID: nodeID,
			TTL:    cfg.Redis.PresenceTTL,
		}, logger.Named("presence")); err != nil {
			return nil, err
		}
		hooks.Add("presence", a.presence)
		lookup = a.presence
	}

	if cfg.MQTTEnabled() {
		if a.mqtt, err = libmqtt.NewClient(libmqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger.Named("mqtt")); err != nil {
			return nil, err
		}
		publisher := events.NewMQTTPublisher(a.mqtt, events.MQTTOptions{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, nodeID, logger.Named("mqtt"))
		hooks.Add("mqtt", publisher)
		deps.Meters = publisher
	}

	router := ocpp.NewRouter()
	handlers.Register(router, deps)

	a.engine = ocpp.NewEngine(ocpp.EngineConfig{
		Router:      router,
		Hooks:       hooks,
		CallTimeout: cfg.OCPP.CallTimeout,
		Logger:      logger.Named("engine"),
	})

	a.wsServer = ws.NewServer(a.engine, authenticator, ws.Options{
		PathPrefix:   cfg.HTTP.PathPrefix,
		Subprotocols: cfg.WebSocket.Subprotocols,
		PingInterval: cfg.WebSocket.PingInterval,
		PongWait:     cfg.WebSocket.PongWait,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		ReadLimit:    cfg.WebSocket.ReadLimit,
		SendQueue:    cfg.WebSocket.SendQueue,
	}, logger.Named("ws"))

	var adminAuth func(http.Handler) http.Handler
	if cfg.Auth.AdminJWTSecret != "" {
		tokens := auth.NewTokenService(cfg.Auth.AdminJWTSecret, cfg.Auth.AdminTokenTTL)
		adminAuth = middleware.AdminAuth(tokens, auth.RoleOperator)
	} else {
		logger.Warn("admin API is not protected, set OCPP_ADMIN_JWT_SECRET")
	}

	apiLogger := logger.Named("api")
	handler := httpserver.NewRouter(httpserver.RouterDeps{
		Stations:      httphandlers.NewStationsHandlers(a.engine, state, lookup, frames, apiLogger),
		Calls:         httphandlers.NewCallsHandlers(a.engine, lookup, apiLogger),
		Credentials:   httphandlers.NewCredentialsHandlers(credentials, hasher, apiLogger),
		HealthHandler: httphandlers.NewHealthHandler(),
		OCPP:          a.wsServer,
		OCPPPrefix:    a.wsServer.PathPrefix(),
	}, adminAuth)

	a.httpServer = httpserver.NewServer(
		cfg.HTTPAddress(),
		handler,
		logger,
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(apiLogger),
	)

	logger.Info("ocpp server configured",
		zap.String("node_id", nodeID),
		zap.Bool("database", a.db != nil),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("mqtt", a.mqtt != nil),
		zap.Strings("actions", router.Actions()),
	)
	return a, nil
}

// Engine exposes the protocol engine.
func (a *App) Engine() *ocpp.Engine { return a.engine }

// Run serves until ctx is done, then closes every station connection and waits for the
// background workers.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr())
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.httpServer.Serve(gctx, ln) })

	if a.presence != nil {
		g.Go(func() error { return a.presence.Run(gctx, a.engine.Registry().ListIdentities) })
	}

	if a.frameLog != nil {
		g.Go(func() error { return a.frameLog.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.engine.Shutdown(ws.ReasonShutdown)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.wsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("station connections did not finish in time", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
