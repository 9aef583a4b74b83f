package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// NewMeterValuesHandler validates meter samples and hands them to every subscriber at once: the
// station state and, when configured, the meter sink. The first subscriber to finish answers the
// station, so a slow sink never holds up the reply.
func NewMeterValuesHandler(deps Deps) ocpp.HandlerFunc {
	deps.withDefaults()

	subscribers := []ocpp.HandlerFunc{recordMeterValues(deps)}
	if deps.Meters != nil {
		subscribers = append(subscribers, forwardMeterValues(deps))
	}
	fanOut := ocpp.FirstOf(deps.SubscriberWait, subscribers...)

	return func(ctx context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.MeterValuesRequest](payload)
		if err != nil {
			return nil, err
		}
		if len(req.MeterValue) == 0 {
			return nil, ocpp.NewError(ocpp.OccurenceConstraintViolation, "meterValue must not be empty", nil)
		}
		return fanOut(ctx, stationID, payload)
	}
}

func recordMeterValues(deps Deps) ocpp.HandlerFunc {
	return func(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.MeterValuesRequest](payload)
		if err != nil {
			return nil, err
		}
		if req.TransactionID != nil {
			if _, ok := deps.Transactions.Get(*req.TransactionID); !ok {
				deps.Logger.Debug("meter values without open transaction",
					zap.String("station_id", stationID),
					zap.Int("transaction_id", *req.TransactionID),
				)
			}
		}
		deps.State.Touch(stationID)
		return protocol.MeterValuesResponse{}, nil
	}
}

func forwardMeterValues(deps Deps) ocpp.HandlerFunc {
	return func(_ context.Context, stationID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.DecodePayload[protocol.MeterValuesRequest](payload)
		if err != nil {
			return nil, err
		}
		deps.Meters.PublishMeterValues(stationID, req)
		return protocol.MeterValuesResponse{}, nil
	}
}
