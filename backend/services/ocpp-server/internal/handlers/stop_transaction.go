package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewStopTransactionHandler closes the transaction and logs the delivered energy. Unknown
// transaction ids are still acknowledged so the station can clear its queue.
func NewStopTransactionHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()
	return func(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.StopTransactionRequest](payload)
		if err != nil {
			return nil, err
		}

		tx, ok := deps.Transactions.Finish(req.TransactionID)
		switch {
		case !ok:
			deps.Logger.Warn("stop for unknown transaction",
				zap.String("station_id", stationID),
				zap.Int("transaction_id", req.TransactionID),
			)
		case tx.StationID != stationID:
			deps.Logger.Warn("stop for transaction of another station",
				zap.String("station_id", stationID),
				zap.String("owner", tx.StationID),
				zap.Int("transaction_id", req.TransactionID),
			)
		default:
			var energyWh int64
			if req.MeterStop > tx.MeterStart {
				energyWh = req.MeterStop - tx.MeterStart
			}
			deps.State.UpdateConnector(stationID, tx.ConnectorID, protocol.ConnectorFinishing, "")
			deps.Logger.Info("transaction stopped",
				zap.String("station_id", stationID),
				zap.Int("transaction_id", tx.ID),
				zap.Int64("energy_wh", energyWh),
				zap.String("reason", req.Reason),
			)
		}

		resp := protocol.StopTransactionResponse{}
		if req.IDTag != "" {
			info := acceptIDTag(req.IDTag)
			resp.IDTagInfo = &info
		}
		return resp, nil
	}
}
