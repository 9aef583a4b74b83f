package handlers

import (
	"context"
	"encoding/json"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewAuthorizeHandler accepts any well-formed idTag.
func NewAuthorizeHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.AuthorizeRequest](payload)
		if err != nil {
			return nil, err
		}
		return protocol.AuthorizeResponse{IDTagInfo: acceptIDTag(req.IDTag)}, nil
	}
}
