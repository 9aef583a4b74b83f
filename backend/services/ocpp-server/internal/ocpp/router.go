package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// HandlerFunc processes an inbound Call payload for a station and returns the response body.
// Returning an *Error selects the CallError code; any other error becomes FormationViolation.
type HandlerFunc func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error)

// ErrNoResult means no handler produced a response.
var ErrNoResult = errors.New("ocpp: no handler produced a result")

// Router maps action names to handlers. It is filled at startup and read concurrently afterwards.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register attaches handler to action, replacing any previous one.
func (r *Router) Register(action string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = handler
}

// Lookup returns the handler for action.
func (r *Router) Lookup(action string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[action]
	return handler, ok && handler != nil
}

// Actions lists registered actions in sorted order.
func (r *Router) Actions() []string {
	r.mu.RLock()
	actions := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		actions = append(actions, action)
	}
	r.mu.RUnlock()
	sort.Strings(actions)
	return actions
}

// FirstOf fans a Call out to every handler concurrently and answers with the first successful
// result. If all of them fail the first error is returned; if none finishes within wait the
// result is ErrNoResult. Handlers still running are left to observe ctx cancellation.
func FirstOf(wait time.Duration, handlers ...HandlerFunc) HandlerFunc {
	return func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		if len(handlers) == 0 {
			return nil, ErrNoResult
		}

		type outcome struct {
			result interface{}
			err    error
		}

		subCtx, cancel := context.WithCancel(ctx)
		results := make(chan outcome, len(handlers))
		for _, h := range handlers {
			go func(h HandlerFunc) {
				result, err := safeInvoke(subCtx, h, stationID, payload)
				results <- outcome{result: result, err: err}
			}(h)
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		var firstErr error
		for remaining := len(handlers); remaining > 0; remaining-- {
			select {
			case out := <-results:
				if out.err == nil && out.result != nil {
					cancel()
					return out.result, nil
				}
				if firstErr == nil && out.err != nil {
					firstErr = out.err
				}
			case <-timer.C:
				cancel()
				if firstErr != nil {
					return nil, firstErr
				}
				return nil, ErrNoResult
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			}
		}
		cancel()
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrNoResult
	}
}

// DecodePayload unmarshals a Call payload, reporting failures as FormationViolation.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, NewError(FormationViolation, fmt.Sprintf("payload does not match schema: %v", err), nil)
	}
	return target, nil
}

// panicError carries a recovered handler panic and the stack of the panicking goroutine.
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

func safeInvoke(ctx context.Context, h HandlerFunc, stationID string, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, stationID, payload)
}
