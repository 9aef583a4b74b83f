// Package handlers implements the station-initiated OCPP 1.6 actions the server answers itself.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/models"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
	"stationlink/backend/services/ocpp-server/internal/service"
)

// StationStore persists station identification. It is optional.
type StationStore interface {
	Upsert(ctx context.Context, station *models.Station) error
	UpdateStatus(ctx context.Context, stationID, status string) error
}

// MeterSink receives meter samples. It is optional.
type MeterSink interface {
	PublishMeterValues(stationID string, req protocol.MeterValuesRequest)
}

// Deps are shared by all handlers.
type Deps struct {
	Stations          StationStore
	State             *service.StationState
	Transactions      *service.TransactionStore
	Meters            MeterSink
	HeartbeatInterval time.Duration
	// SubscriberWait bounds how long a fanned-out Call waits for its first subscriber.
	SubscriberWait    time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

func (d *Deps) withDefaults() {
	if d.State == nil {
		d.State = service.NewStationState()
	}
	if d.Transactions == nil {
		d.Transactions = service.NewTransactionStore()
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 5 * time.Minute
	}
	if d.SubscriberWait <= 0 {
		d.SubscriberWait = 5 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Register installs every handler on router.
func Register(router *ocpp.Router, deps Deps) {
	deps.withDefaults()

	router.Register(protocol.ActionBootNotification, NewBootNotificationHandler(deps))
	router.Register(protocol.ActionHeartbeat, NewHeartbeatHandler(deps))
	router.Register(protocol.ActionStatusNotification, NewStatusNotificationHandler(deps))
	router.Register(protocol.ActionAuthorize, NewAuthorizeHandler(deps))
	router.Register(protocol.ActionStartTransaction, NewStartTransactionHandler(deps))
	router.Register(protocol.ActionStopTransaction, NewStopTransactionHandler(deps))
	router.Register(protocol.ActionMeterValues, NewMeterValuesHandler(deps))
}

func acceptIDTag(idTag string) protocol.IDTagInfo {
	if idTag == "" || len(idTag) > 20 {
		return protocol.IDTagInfo{Status: protocol.AuthorizationInvalid}
	}
	return protocol.IDTagInfo{Status: protocol.AuthorizationAccepted}
}
