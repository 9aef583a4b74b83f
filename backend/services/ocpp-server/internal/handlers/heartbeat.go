package handlers

import (
	"context"
	"encoding/json"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewHeartbeatHandler returns ack with current time.
func NewHeartbeatHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(_ context.Context, stationID string, _ json.RawMessage) (interface{}, error) {
		deps.State.Touch(stationID)
		return protocol.HeartbeatResponse{CurrentTime: deps.Now().UTC()}, nil
	}
}
