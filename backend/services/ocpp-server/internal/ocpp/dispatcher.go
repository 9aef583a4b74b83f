package ocpp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher answers inbound Calls. Every Call it is given yields exactly one CallResult or
// CallError; handler failures never escape to the transport loop.
type Dispatcher struct {
	router *Router
	logger *zap.Logger
}

// NewDispatcher builds a dispatcher over router.
func NewDispatcher(router *Router, logger *zap.Logger) *Dispatcher {
	if router == nil {
		router = NewRouter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{router: router, logger: logger}
}

// HandleInbound decodes raw, routes it and returns the encoded reply. The reply is empty only
// when raw is a response frame, which is never answered.
func (d *Dispatcher) HandleInbound(ctx context.Context, stationID string, raw []byte) []byte {
	env := Decode(raw)
	switch env.(type) {
	case CallResult, CallError:
		return nil
	}
	return d.encodeReply(d.Dispatch(ctx, stationID, env))
}

// Dispatch turns a Call (or a Malformed frame that should have been one) into its reply.
func (d *Dispatcher) Dispatch(ctx context.Context, stationID string, env Envelope) Envelope {
	switch msg := env.(type) {
	case Malformed:
		return NewCallError(replyID(msg.ID), NewError(ProtocolError, msg.Reason, nil))
	case Call:
		return d.dispatchCall(ctx, stationID, msg)
	case *Call:
		return d.dispatchCall(ctx, stationID, *msg)
	default:
		return NewCallError(replyID(env.RequestID()), NewError(ProtocolError, fmt.Sprintf("message type %d is not a Call", env.MessageType()), nil))
	}
}

func (d *Dispatcher) dispatchCall(ctx context.Context, stationID string, call Call) Envelope {
	id := replyID(call.ID)

	switch {
	case stationID == "":
		return NewCallError(id, NewError(ProtocolError, "Station identity is not resolved for this connection", nil))
	case call.ID == "":
		return NewCallError(id, NewError(ProtocolError, "Request id is missing", nil))
	case call.Action == "":
		return NewCallError(id, NewError(ProtocolError, "Action is missing", nil))
	case len(call.Payload) == 0:
		return NewCallError(id, NewError(ProtocolError, "Payload is missing", nil))
	}

	handler, ok := d.router.Lookup(call.Action)
	if !ok {
		return NewCallError(id, NewError(ProtocolError, fmt.Sprintf("The OCPP message '%s' is unknown!", call.Action), nil))
	}

	result, err := safeInvoke(ctx, handler, stationID, call.Payload)
	if err != nil {
		protoErr := d.classify(stationID, call, err)
		return NewCallError(id, protoErr)
	}
	if result == nil {
		d.logger.Warn("handler returned no result",
			zap.String("station_id", stationID),
			zap.String("request_id", call.ID),
			zap.String("action", call.Action),
		)
		return NewCallError(id, NewError(InternalError, fmt.Sprintf("No response was produced for '%s'", call.Action), nil))
	}

	reply, err := NewCallResult(id, result)
	if err != nil {
		d.logger.Error("encode ocpp response failed",
			zap.String("station_id", stationID),
			zap.String("action", call.Action),
			zap.Error(err),
		)
		return NewCallError(id, NewError(FormationViolation,
			fmt.Sprintf("The response to '%s' could not be encoded", call.Action),
			map[string]string{"cause": err.Error()},
		))
	}
	return reply
}

func (d *Dispatcher) classify(stationID string, call Call, err error) *Error {
	fields := []zap.Field{
		zap.String("station_id", stationID),
		zap.String("request_id", call.ID),
		zap.String("action", call.Action),
		zap.Error(err),
	}

	var panicked *panicError
	switch {
	case errors.As(err, &panicked):
		d.logger.Error("ocpp handler panicked", append(fields, zap.ByteString("stack", panicked.stack))...)
		return NewError(FormationViolation,
			fmt.Sprintf("The OCPP message '%s' could not be processed", call.Action),
			map[string]string{"cause": panicked.Error()},
		)
	case errors.Is(err, ErrNoResult):
		d.logger.Warn("ocpp handler produced no result", fields...)
		return NewError(InternalError, fmt.Sprintf("No response was produced for '%s'", call.Action), nil)
	}

	if protoErr, ok := AsError(err); ok {
		d.logger.Info("ocpp handler rejected call", fields...)
		if !protoErr.Code.Valid() || protoErr.Code == Timeout {
			return NewError(FormationViolation, protoErr.Description, protoErr.Details)
		}
		return NewError(protoErr.Code, protoErr.Description, protoErr.Details)
	}

	d.logger.Warn("ocpp handler failed", fields...)
	return NewError(FormationViolation,
		fmt.Sprintf("The OCPP message '%s' could not be processed", call.Action),
		map[string]string{"cause": err.Error()},
	)
}

func (d *Dispatcher) encodeReply(env Envelope) []byte {
	frame, err := Encode(env)
	if err == nil {
		return frame
	}
	d.logger.Error("encode ocpp reply failed", zap.Error(err))
	frame, _ = Encode(NewCallError(replyID(env.RequestID()), NewError(InternalError, "Reply could not be encoded", nil)))
	return frame
}

func replyID(id string) string {
	if id == "" {
		return ZeroRequestID
	}
	return id
}
