package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/models"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/registry"
	"stationlink/backend/services/ocpp-server/internal/service"
)

const (
	defaultFrameLimit = 50
	maxFrameLimit     = 500
)

// Engine is the part of ocpp.Engine the admin API drives.
type Engine interface {
	Send(ctx context.Context, req ocpp.SendRequest) (ocpp.Outcome, error)
	Stations() []registry.Entry
	Pending() []ocpp.PendingInfo
}

// PresenceLookup finds the node holding a station. It is optional.
type PresenceLookup interface {
	Lookup(ctx context.Context, stationID string) (string, bool, error)
}

// FrameReader reads the frame log. It is optional.
type FrameReader interface {
	Recent(ctx context.Context, stationID string, limit int) ([]models.FrameLogEntry, error)
}

type connectionView struct {
	StationID      string    `json:"stationId"`
	RemoteAddr     string    `json:"remoteAddr"`
	ConnectedSince time.Time `json:"connectedSince"`
}

type stationView struct {
	StationID  string                       `json:"stationId"`
	Connected  bool                         `json:"connected"`
	Connection *connectionView              `json:"connection,omitempty"`
	State      *service.StationRuntimeState `json:"state,omitempty"`
	NodeID     string                       `json:"nodeId,omitempty"`
}

type frameView struct {
	Direction  models.FrameDirection `json:"direction"`
	Event      string                `json:"event"`
	RequestID  string                `json:"requestId,omitempty"`
	Action     string                `json:"action,omitempty"`
	ErrorCode  string                `json:"errorCode,omitempty"`
	Frame      string                `json:"frame"`
	RecordedAt time.Time             `json:"recordedAt"`
}

// StationsHandlers expose connected stations and their runtime state.
type StationsHandlers struct {
	engine   Engine
	state    *service.StationState
	presence PresenceLookup
	frames   FrameReader
	logger   *zap.Logger
}

// NewStationsHandlers returns handler. presence and frames may be nil.
func NewStationsHandlers(engine Engine, state *service.StationState, presence PresenceLookup, frames FrameReader, logger *zap.Logger) *StationsHandlers {
	if state == nil {
		state = service.NewStationState()
	}
	return &StationsHandlers{engine: engine, state: state, presence: presence, frames: frames, logger: logger}
}

// List handles GET /api/stations.
func (h *StationsHandlers) List(w http.ResponseWriter, _ *http.Request) {
	entries := h.engine.Stations()
	views := make([]connectionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toConnectionView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

// Get handles GET /api/stations/{id}.
func (h *StationsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	stationID := r.PathValue("id")
	view := stationView{StationID: stationID}

	for _, e := range h.engine.Stations() {
		if e.StationID == stationID {
			conn := toConnectionView(e)
			view.Connected = true
			view.Connection = &conn
			break
		}
	}
	if st, ok := h.state.Get(stationID); ok {
		view.State = &st
	}
	if h.presence != nil {
		node, ok, err := h.presence.Lookup(r.Context(), stationID)
		if err != nil {
			h.logger.Warn("presence lookup failed", zap.String("station_id", stationID), zap.Error(err))
		} else if ok {
			view.NodeID = node
		}
	}

	if !view.Connected && view.State == nil && view.NodeID == "" {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Frames handles GET /api/stations/{id}/frames?limit=N.
func (h *StationsHandlers) Frames(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		writeError(w, http.StatusServiceUnavailable, "frame log is not enabled")
		return
	}

	limit := defaultFrameLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFrameLimit)
	}

	stationID := r.PathValue("id")
	entries, err := h.frames.Recent(r.Context(), stationID, limit)
	if err != nil {
		h.logger.Error("read frame log failed", zap.String("station_id", stationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "frame log unavailable")
		return
	}

	views := make([]frameView, 0, len(entries))
	for _, e := range entries {
		views = append(views, frameView{
			Direction:  e.Direction,
			Event:      e.Event,
			RequestID:  e.RequestID,
			Action:     e.Action,
			ErrorCode:  e.ErrorCode,
			Frame:      string(e.Payload),
			RecordedAt: e.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func toConnectionView(e registry.Entry) connectionView {
	return connectionView{StationID: e.StationID, RemoteAddr: e.Conn.RemoteAddr(), ConnectedSince: e.EstablishedAt}
}
