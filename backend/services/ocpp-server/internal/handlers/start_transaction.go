package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
	"stationlink/backend/services/ocpp-server/internal/service"
)

// NewStartTransactionHandler allocates a transaction id and remembers the meter start.
func NewStartTransactionHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.StartTransactionRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.ConnectorID <= 0 {
			return nil, ocpp.NewError(ocpp.PropertyConstraintViolation, "connectorId must be greater than 0", nil)
		}

		info := acceptIDTag(req.IDTag)
		startedAt := req.Timestamp
		if startedAt.IsZero() {
			startedAt = deps.Now()
		}
		tx := deps.Transactions.Start(service.TransactionContext{
			StationID:   stationID,
			ConnectorID: req.ConnectorID,
			IDTag:       req.IDTag,
			MeterStart:  req.MeterStart,
			StartedAt:   startedAt.UTC(),
		})
		if info.Status == protocol.AuthorizationAccepted {
			deps.State.UpdateConnector(stationID, req.ConnectorID, protocol.ConnectorCharging, "")
		}

		deps.Logger.Info("transaction started",
			zap.String("station_id", stationID),
			zap.Int("transaction_id", tx.ID),
			zap.Int("connector_id", req.ConnectorID),
		)

		return protocol.StartTransactionResponse{IDTagInfo: info, TransactionID: tx.ID}, nil
	}
}
