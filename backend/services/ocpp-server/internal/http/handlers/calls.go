package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
)

const maxCallTimeout = 5 * time.Minute

type callRequest struct {
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

type callResponse struct {
	Status           string          `json:"status"`
	RequestID        string          `json:"requestId,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ErrorCode        ocpp.ErrorCode  `json:"errorCode,omitempty"`
	ErrorDescription string          `json:"errorDescription,omitempty"`
	ErrorDetails     json.RawMessage `json:"errorDetails,omitempty"`
	NodeID           string          `json:"nodeId,omitempty"`
}

type pendingView struct {
	RequestID string    `json:"requestId"`
	StationID string    `json:"stationId"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`
}

// CallsHandlers issue server-initiated calls.
type CallsHandlers struct {
	engine   Engine
	presence PresenceLookup
	logger   *zap.Logger
}

// NewCallsHandlers returns handler. presence may be nil.
func NewCallsHandlers(engine Engine, presence PresenceLookup, logger *zap.Logger) *CallsHandlers {
	return &CallsHandlers{engine: engine, presence: presence, logger: logger}
}

// Send handles POST /api/stations/{id}/calls and blocks until the station answers or the call
// times out.
func (h *CallsHandlers) Send(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeoutSeconds must not be negative")
		return
	}

	stationID := r.PathValue("id")
	send := ocpp.SendRequest{
		StationID: stationID,
		Action:    req.Action,
		RequestID: req.RequestID,
		Timeout:   min(time.Duration(req.TimeoutSeconds)*time.Second, maxCallTimeout),
	}
	if len(req.Payload) > 0 {
		send.Payload = req.Payload
	}

	outcome, err := h.engine.Send(r.Context(), send)
	switch {
	case errors.Is(err, ocpp.ErrDuplicateRequestID):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := callResponse{Status: outcome.Kind.String(), RequestID: outcome.RequestID}
	status := http.StatusOK
	switch outcome.Kind {
	case ocpp.OutcomeSuccess:
		resp.Payload = outcome.Payload
	case ocpp.OutcomeProtocolError:
		status = http.StatusBadGateway
		resp.ErrorCode = outcome.Err.Code
		resp.ErrorDescription = outcome.Err.Description
		resp.ErrorDetails = outcome.Err.Details
	case ocpp.OutcomeTimeout:
		status = http.StatusGatewayTimeout
		resp.ErrorDescription = outcome.Err.Description
	case ocpp.OutcomeUnreachable:
		status = http.StatusNotFound
		resp.NodeID = h.holder(r, stationID)
	}

	h.logger.Info("outbound call finished",
		zap.String("station_id", stationID),
		zap.String("request_id", outcome.RequestID),
		zap.String("action", req.Action),
		zap.String("outcome", outcome.Kind.String()),
	)
	writeJSON(w, status, resp)
}

// holder names the node that holds the station when it is connected elsewhere.
func (h *CallsHandlers) holder(r *http.Request, stationID string) string {
	if h.presence == nil {
		return ""
	}
	node, ok, err := h.presence.Lookup(r.Context(), stationID)
	if err != nil || !ok {
		return ""
	}
	return node
}

// Pending handles GET /api/pending.
func (h *CallsHandlers) Pending(w http.ResponseWriter, _ *http.Request) {
	pending := h.engine.Pending()
	views := make([]pendingView, 0, len(pending))
	for _, p := range pending {
		views = append(views, pendingView{
			RequestID: p.RequestID,
			StationID: p.StationID,
			Action:    p.Action,
			CreatedAt: p.CreatedAt,
			Deadline:  p.Deadline,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(views), "requests": views})
}
