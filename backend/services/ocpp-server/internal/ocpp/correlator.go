package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	nanoid "github.com/matoous/go-nanoid"
	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/registry"
)

// DefaultCallTimeout applies when a SendRequest does not set one.
const DefaultCallTimeout = 30 * time.Second

// Caller misuse; no frame is sent for these.
var (
	ErrEmptyStationID     = errors.New("ocpp: station id is required")
	ErrEmptyAction        = errors.New("ocpp: action is required")
	ErrDuplicateRequestID = errors.New("ocpp: request id is already pending")
)

// OutcomeKind is how an outbound call ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeProtocolError
	OutcomeTimeout
	OutcomeUnreachable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeProtocolError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Outcome is the single result of Send. Payload is set on success, Err on protocol error and
// timeout (with code Timeout).
type Outcome struct {
	Kind      OutcomeKind
	RequestID string
	Payload   json.RawMessage
	Err       *Error
}

// SendRequest describes an outbound call. RequestID is generated when empty.
type SendRequest struct {
	StationID string
	Action    string
	Payload   interface{}
	RequestID string
	Timeout   time.Duration
}

// result is the resolution slot of a pending request; nil means unresolved.
type result interface {
	outcome(requestID string) Outcome
}

type successResult struct {
	payload json.RawMessage
}

func (r successResult) outcome(requestID string) Outcome {
	return Outcome{Kind: OutcomeSuccess, RequestID: requestID, Payload: r.payload}
}

type failureResult struct {
	err *Error
}

func (r failureResult) outcome(requestID string) Outcome {
	kind := OutcomeProtocolError
	if r.err.Code == Timeout {
		kind = OutcomeTimeout
	}
	return Outcome{Kind: kind, RequestID: requestID, Err: r.err}
}

type pendingRequest struct {
	id        string
	stationID string
	call      Call
	createdAt time.Time
	deadline  time.Time
	done      chan struct{}
	result    result
}

// PendingInfo is a read-only view of an outstanding request.
type PendingInfo struct {
	RequestID string
	StationID string
	Action    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Correlator issues server-initiated Calls and matches their responses. Each request id has at
// most one pending entry, and every entry is removed exactly once by whichever of response,
// timeout or cancellation gets there first.
type Correlator struct {
	registry       *registry.Registry
	hooks          *Hooks
	logger         *zap.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest

	newID func() (string, error)
	now   func() time.Time
}

// NewCorrelator builds a correlator that writes through connections found in reg.
func NewCorrelator(reg *registry.Registry, hooks *Hooks, defaultTimeout time.Duration, logger *zap.Logger) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		registry:       reg,
		hooks:          hooks,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingRequest),
		newID:          func() (string, error) { return nanoid.Nanoid() },
		now:            time.Now,
	}
}

// Send writes a Call to the station and blocks until it is answered, the timeout elapses or ctx
// is done. The error return is reserved for invalid requests; delivery problems are Outcomes.
func (c *Correlator) Send(ctx context.Context, req SendRequest) (Outcome, error) {
	if req.StationID == "" {
		return Outcome{}, ErrEmptyStationID
	}
	if req.Action == "" {
		return Outcome{}, ErrEmptyAction
	}

	payload, err := marshalObject(req.Payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("ocpp: encode %s payload: %w", req.Action, err)
	}

	id := req.RequestID
	if id == "" {
		if id, err = c.newID(); err != nil {
			return Outcome{}, fmt.Errorf("ocpp: generate request id: %w", err)
		}
	}

	call := Call{ID: id, Action: req.Action, Payload: payload}
	frame, err := Encode(call)
	if err != nil {
		return Outcome{}, fmt.Errorf("ocpp: encode call: %w", err)
	}

	conn, ok := c.registry.Resolve(req.StationID)
	if !ok {
		return Outcome{Kind: OutcomeUnreachable, RequestID: id}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	now := c.now()
	p := &pendingRequest{
		id:        id,
		stationID: req.StationID,
		call:      call,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}

	// The entry must exist before the frame leaves, or a fast reply would find nothing.
	if err := c.insert(p); err != nil {
		return Outcome{}, err
	}

	if err := conn.Write(ctx, frame); err != nil {
		c.logger.Warn("write ocpp call failed",
			zap.String("station_id", req.StationID),
			zap.String("request_id", id),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		if c.remove(p, nil) {
			return Outcome{Kind: OutcomeUnreachable, RequestID: id}, nil
		}
		<-p.done
		return p.result.outcome(id), nil
	}

	c.hooks.Notify(Event{
		Kind:       EventRequestSent,
		StationID:  req.StationID,
		RemoteAddr: conn.RemoteAddr(),
		RequestID:  id,
		Action:     req.Action,
		Frame:      frame,
	})

	return c.wait(ctx, p), nil
}

func (c *Correlator) wait(ctx context.Context, p *pendingRequest) Outcome {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	var reason string
	select {
	case <-p.done:
		return p.result.outcome(p.id)
	case <-timer.C:
		reason = fmt.Sprintf("No response to '%s' within %s", p.call.Action, p.deadline.Sub(p.createdAt))
	case <-ctx.Done():
		reason = fmt.Sprintf("Caller stopped waiting for '%s': %v", p.call.Action, ctx.Err())
	}

	timeoutErr := NewError(Timeout, reason, nil)
	if c.remove(p, failureResult{err: timeoutErr}) {
		c.hooks.Notify(Event{
			Kind:      EventRequestTimedOut,
			StationID: p.stationID,
			RequestID: p.id,
			Action:    p.call.Action,
			ErrorCode: Timeout,
		})
		return p.result.outcome(p.id)
	}

	// A response won the race; its result is already in the slot.
	<-p.done
	return p.result.outcome(p.id)
}

// Resolve records an inbound CallResult or CallError. It reports false when no pending request
// matches, which covers late, duplicate and unsolicited responses; those are dropped.
func (c *Correlator) Resolve(stationID string, env Envelope) bool {
	var res result
	var errCode ErrorCode
	switch msg := env.(type) {
	case CallResult:
		res = successResult{payload: msg.Payload}
	case CallError:
		protoErr := msg.Err()
		errCode = protoErr.Code
		res = failureResult{err: protoErr}
	default:
		return false
	}
	id := env.RequestID()

	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.stationID != stationID {
		c.mu.Unlock()
		c.logger.Info("dropping response without pending request",
			zap.String("station_id", stationID),
			zap.String("request_id", id),
			zap.Bool("foreign_station", ok),
		)
		c.hooks.Notify(Event{Kind: EventFrameDropped, StationID: stationID, RequestID: id, ErrorCode: errCode})
		return false
	}
	delete(c.pending, id)
	p.result = res
	c.mu.Unlock()
	close(p.done)

	c.hooks.Notify(Event{
		Kind:      EventResponseReceived,
		StationID: stationID,
		RequestID: id,
		Action:    p.call.Action,
		ErrorCode: errCode,
	})
	return true
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending lists outstanding requests ordered by creation time.
func (c *Correlator) Pending() []PendingInfo {
	c.mu.Lock()
	infos := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		infos = append(infos, PendingInfo{
			RequestID: p.id,
			StationID: p.stationID,
			Action:    p.call.Action,
			CreatedAt: p.createdAt,
			Deadline:  p.deadline,
		})
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (c *Correlator) insert(p *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[p.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, p.id)
	}
	c.pending[p.id] = p
	return nil
}

// remove deletes p if it is still pending and stores res in its slot. Only the caller that
// gets true may treat the request as finished by itself.
func (c *Correlator) remove(p *pendingRequest, res result) bool {
	c.mu.Lock()
	current, ok := c.pending[p.id]
	if !ok || current != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, p.id)
	p.result = res
	c.mu.Unlock()
	close(p.done)
	return true
}
