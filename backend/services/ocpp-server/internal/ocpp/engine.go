package ocpp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/registry"
)

// EngineConfig wires an Engine. Router and Registry are created when nil.
type EngineConfig struct {
	Router      *Router
	Registry    *registry.Registry
	Hooks       *Hooks
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Engine ties the codec, dispatcher, correlator and registry together for the transport layer.
type Engine struct {
	registry   *registry.Registry
	dispatcher *Dispatcher
	correlator *Correlator
	hooks      *Hooks
	logger     *zap.Logger

	// lifeMu orders registry changes with their lifecycle events, per station.
	lifeMu     sync.Mutex
	lifeQueues map[string]*lifecycleQueue
}

type lifecycleQueue struct {
	events     []Event
	delivering bool
}

// NewEngine builds an engine. Independent engines share no state.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHooks(logger)
	}
	return &Engine{
		registry:   reg,
		dispatcher: NewDispatcher(cfg.Router, logger.Named("dispatcher")),
		correlator: NewCorrelator(reg, hooks, cfg.CallTimeout, logger.Named("correlator")),
		hooks:      hooks,
		logger:     logger,
		lifeQueues: make(map[string]*lifecycleQueue),
	}
}

// Registry exposes the connection registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Hooks exposes the observer list.
func (e *Engine) Hooks() *Hooks { return e.hooks }

// Connect registers conn for its station. A connection previously registered under the same
// identity is closed in the background.
func (e *Engine) Connect(conn registry.Conn) {
	stationID := conn.StationID()
	var evicted registry.Conn
	e.lifecycle(func() []Event {
		evicted = e.registry.Register(stationID, conn)
		events := make([]Event, 0, 2)
		if evicted != nil {
			events = append(events, Event{Kind: EventEvicted, StationID: stationID, RemoteAddr: evicted.RemoteAddr()})
		}
		return append(events, Event{Kind: EventConnected, StationID: stationID, RemoteAddr: conn.RemoteAddr()})
	})

	if evicted != nil {
		go func() {
			if err := evicted.Close("replaced by a newer connection"); err != nil {
				e.logger.Warn("close evicted connection failed",
					zap.String("station_id", stationID),
					zap.String("remote_addr", evicted.RemoteAddr()),
					zap.Error(err),
				)
			}
		}()
	}
}

// Disconnect forgets conn unless its station has already reconnected. Pending requests for the
// station keep their deadlines.
func (e *Engine) Disconnect(conn registry.Conn) {
	e.lifecycle(func() []Event {
		if !e.registry.Unregister(conn.StationID(), conn) {
			return nil
		}
		return []Event{{Kind: EventDisconnected, StationID: conn.StationID(), RemoteAddr: conn.RemoteAddr()}}
	})
}

// lifecycle applies a registry change and queues the events it produced in the same critical
// section, then delivers each station's queue in order. Events queued while a station's queue is
// being delivered, including from inside an observer, are delivered by the goroutine already
// delivering, after the current event has reached every observer.
func (e *Engine) lifecycle(mutate func() []Event) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	var owned []string
	for _, ev := range mutate() {
		q := e.lifeQueues[ev.StationID]
		if q == nil {
			q = &lifecycleQueue{}
			e.lifeQueues[ev.StationID] = q
		}
		q.events = append(q.events, ev)
		if !q.delivering {
			q.delivering = true
			owned = append(owned, ev.StationID)
		}
	}

	for _, stationID := range owned {
		q := e.lifeQueues[stationID]
		for len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			e.lifeMu.Unlock()
			e.hooks.Notify(ev)
			e.lifeMu.Lock()
		}
		delete(e.lifeQueues, stationID)
	}
}

// HandleFrame processes one inbound frame from conn. Calls are answered on conn before
// HandleFrame returns; responses resolve pending requests. The returned error is a write
// failure, never a protocol problem.
func (e *Engine) HandleFrame(ctx context.Context, conn registry.Conn, raw []byte) error {
	stationID := conn.StationID()
	env := Decode(raw)

	received := Event{Kind: EventFrameReceived, StationID: stationID, RemoteAddr: conn.RemoteAddr(), RequestID: env.RequestID(), Frame: raw}
	switch msg := env.(type) {
	case Call:
		received.Action = msg.Action
	case CallError:
		received.ErrorCode = msg.Code
	}
	e.hooks.Notify(received)

	switch msg := env.(type) {
	case CallResult, CallError:
		e.correlator.Resolve(stationID, env)
		return nil
	case Malformed:
		if msg.Tag == int(CallResultType) || msg.Tag == int(CallErrorType) {
			e.resolveMalformedResponse(stationID, msg)
			return nil
		}
	}

	reply := e.dispatcher.Dispatch(ctx, stationID, env)
	frame := e.dispatcher.encodeReply(reply)
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("ocpp: write reply %s: %w", reply.RequestID(), err)
	}

	sent := Event{Kind: EventReplySent, StationID: stationID, RemoteAddr: conn.RemoteAddr(), RequestID: reply.RequestID(), Frame: frame}
	if call, ok := env.(Call); ok {
		sent.Action = call.Action
	}
	if callErr, ok := reply.(CallError); ok {
		sent.ErrorCode = callErr.Code
	}
	e.hooks.Notify(sent)
	return nil
}

// A broken response still ends its request early when the id is readable.
func (e *Engine) resolveMalformedResponse(stationID string, msg Malformed) {
	if msg.ID != "" && e.correlator.Resolve(stationID, NewCallError(msg.ID, NewError(ProtocolError, msg.Reason, nil))) {
		return
	}
	if msg.ID == "" {
		e.logger.Info("dropping malformed response",
			zap.String("station_id", stationID),
			zap.String("reason", msg.Reason),
			zap.String("raw", msg.Raw),
		)
		e.hooks.Notify(Event{Kind: EventFrameDropped, StationID: stationID, ErrorCode: ProtocolError})
	}
}

// Send issues an outbound Call, see Correlator.Send.
func (e *Engine) Send(ctx context.Context, req SendRequest) (Outcome, error) {
	return e.correlator.Send(ctx, req)
}

// PendingCount returns the number of outstanding outbound calls.
func (e *Engine) PendingCount() int { return e.correlator.PendingCount() }

// Pending lists outstanding outbound calls.
func (e *Engine) Pending() []PendingInfo { return e.correlator.Pending() }

// Stations returns a registry snapshot.
func (e *Engine) Stations() []registry.Entry { return e.registry.Entries() }

// Shutdown empties the registry and closes every connection.
func (e *Engine) Shutdown(reason string) {
	var entries []registry.Entry
	e.lifecycle(func() []Event {
		entries = e.registry.Drain()
		events := make([]Event, 0, len(entries))
		for _, entry := range entries {
			events = append(events, Event{Kind: EventDisconnected, StationID: entry.StationID, RemoteAddr: entry.Conn.RemoteAddr()})
		}
		return events
	})

	for _, entry := range entries {
		if err := entry.Conn.Close(reason); err != nil {
			e.logger.Debug("close connection on shutdown failed",
				zap.String("station_id", entry.StationID),
				zap.Error(err),
			)
		}
	}
}
