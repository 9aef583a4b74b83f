package ocpp

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind names an engine lifecycle point.
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventEvicted          EventKind = "evicted"
	EventFrameReceived    EventKind = "frame_received"
	EventReplySent        EventKind = "reply_sent"
	EventRequestSent      EventKind = "request_sent"
	EventResponseReceived EventKind = "response_received"
	EventRequestTimedOut  EventKind = "request_timed_out"
	EventFrameDropped     EventKind = "frame_dropped"
)

// Event describes something the engine did or saw.
type Event struct {
	Kind       EventKind
	StationID  string
	RemoteAddr string
	RequestID  string
	Action     string
	ErrorCode  ErrorCode
	Frame      []byte
	At         time.Time
}

// Observer receives engine events. Implementations must not block for long: they run on an
// engine goroutine. Lifecycle events of one station arrive in the order the registry changed.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type namedObserver struct {
	name     string
	observer Observer
}

// Hooks fans events out to observers in registration order. A failing observer is logged and
// skipped; it never affects the remaining observers or the protocol outcome.
type Hooks struct {
	mu        sync.RWMutex
	observers []namedObserver
	logger    *zap.Logger
	now       func() time.Time
}

// NewHooks builds an empty observer list.
func NewHooks(logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{logger: logger, now: time.Now}
}

// Add appends an observer.
func (h *Hooks) Add(name string, observer Observer) {
	if observer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, namedObserver{name: name, observer: observer})
}

// Notify delivers e to every observer. A nil Hooks is a no-op.
func (h *Hooks) Notify(e Event) {
	if h == nil {
		return
	}
	if e.At.IsZero() {
		e.At = h.now().UTC()
	}

	h.mu.RLock()
	observers := h.observers
	h.mu.RUnlock()

	for _, o := range observers {
		h.deliver(o, e)
	}
}

func (h *Hooks) deliver(o namedObserver, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("observer failed",
				zap.String("observer", o.name),
				zap.String("event", string(e.Kind)),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	o.observer.Observe(e)
}

// LogObserver writes every event to the logger at debug level, and timeouts and drops at warn.
func LogObserver(logger *zap.Logger) Observer {
	return ObserverFunc(func(e Event) {
		fields := []zap.Field{
			zap.String("event", string(e.Kind)),
			zap.String("station_id", e.StationID),
		}
		if e.RequestID != "" {
			fields = append(fields, zap.String("request_id", e.RequestID))
		}
		if e.Action != "" {
			fields = append(fields, zap.String("action", e.Action))
		}
		if e.ErrorCode != "" {
			fields = append(fields, zap.String("error_code", string(e.ErrorCode)))
		}

		switch e.Kind {
		case EventRequestTimedOut, EventFrameDropped, EventEvicted:
			logger.Warn("ocpp event", fields...)
		case EventConnected, EventDisconnected:
			logger.Info("ocpp event", append(fields, zap.String("remote_addr", e.RemoteAddr))...)
		default:
			logger.Debug("ocpp event", fields...)
		}
	})
}
