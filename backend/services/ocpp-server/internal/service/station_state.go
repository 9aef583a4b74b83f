package service

import (
	"sort"
	"sync"
	"time"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

// ConnectorState is the last reported state of one connector.
type ConnectorState struct {
	Status    protocol.ConnectorStatus `json:"status"`
	ErrorCode string                   `json:"errorCode,omitempty"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// StationRuntimeState is what this node knows about a station right now.
type StationRuntimeState struct {
	StationID  string                 `json:"stationId"`
	Online     bool                   `json:"online"`
	Vendor     string                 `json:"vendor,omitempty"`
	Model      string                 `json:"model,omitempty"`
	Firmware   string                 `json:"firmwareVersion,omitempty"`
	LastSeen   time.Time              `json:"lastSeen"`
	Connectors map[int]ConnectorState `json:"connectors"`
}

// StationState keeps in-memory station data for quick lookups. It is fed by handlers and, as an
// ocpp.Observer, by connection lifecycle events.
type StationState struct {
	mu       sync.RWMutex
	stations map[string]*StationRuntimeState
	now      func() time.Time
}

// NewStationState returns an empty state store.
func NewStationState() *StationState {
	return &StationState{
		stations: make(map[string]*StationRuntimeState),
		now:      time.Now,
	}
}

// RecordBoot stores the identification a station reported in BootNotification.
func (s *StationState) RecordBoot(stationID string, req protocol.BootNotificationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(stationID)
	st.Vendor = req.ChargePointVendor
	st.Model = req.ChargePointModel
	st.Firmware = req.FirmwareVersion
	st.LastSeen = s.now().UTC()
}

// UpdateConnector records a connector status. Connector 0 is the station itself.
func (s *StationState) UpdateConnector(stationID string, connectorID int, status protocol.ConnectorStatus, errorCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(stationID)
	now := s.now().UTC()
	st.Connectors[connectorID] = ConnectorState{Status: status, ErrorCode: errorCode, UpdatedAt: now}
	st.LastSeen = now
}

// Touch marks the station as seen.
func (s *StationState) Touch(stationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(stationID).LastSeen = s.now().UTC()
}

// Get returns a copy of the station's state.
func (s *StationState) Get(stationID string) (StationRuntimeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[stationID]
	if !ok {
		return StationRuntimeState{}, false
	}
	return st.clone(), true
}

// Snapshot returns copies of all known stations ordered by id.
func (s *StationState) Snapshot() []StationRuntimeState {
	s.mu.RLock()
	result := make([]StationRuntimeState, 0, len(s.stations))
	for _, st := range s.stations {
		result = append(result, st.clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].StationID < result[j].StationID })
	return result
}

// Observe implements ocpp.Observer.
func (s *StationState) Observe(e ocpp.Event) {
	switch e.Kind {
	case ocpp.EventConnected:
		s.setOnline(e.StationID, true, e.At)
	case ocpp.EventDisconnected:
		s.setOnline(e.StationID, false, e.At)
	case ocpp.EventFrameReceived:
		s.Touch(e.StationID)
	}
}

func (s *StationState) setOnline(stationID string, online bool, at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(stationID)
	st.Online = online
	st.LastSeen = at.UTC()
}

func (s *StationState) getOrCreate(stationID string) *StationRuntimeState {
	st, ok := s.stations[stationID]
	if !ok {
		st = &StationRuntimeState{StationID: stationID, Connectors: make(map[int]ConnectorState)}
		s.stations[stationID] = st
	}
	return st
}

func (st *StationRuntimeState) clone() StationRuntimeState {
	copied := *st
	copied.Connectors = make(map[int]ConnectorState, len(st.Connectors))
	for id, c := range st.Connectors {
		copied.Connectors[id] = c
	}
	return copied
}
