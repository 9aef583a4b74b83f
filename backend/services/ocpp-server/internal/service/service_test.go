package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
	"stationlink/backend/services/ocpp-server/internal/ocpp/protocol"
)

func TestStationStateTracksLifecycle(t *testing.T) {
	state := NewStationState()
	fixed := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	state.now = func() time.Time { return fixed }

	state.Observe(ocpp.Event{Kind: ocpp.EventConnected, StationID: "CS-1", At: fixed})
	state.RecordBoot("CS-1", protocol.BootNotificationRequest{ChargePointVendor: "VendorX", ChargePointModel: "M1", FirmwareVersion: "1.2"})
	state.UpdateConnector("CS-1", 1, protocol.ConnectorCharging, "NoError")

	got, ok := state.Get("CS-1")
	require.True(t, ok)
	assert.True(t, got.Online)
	assert.Equal(t, "VendorX", got.Vendor)
	assert.Equal(t, "1.2", got.Firmware)
	assert.Equal(t, protocol.ConnectorCharging, got.Connectors[1].Status)

	state.Observe(ocpp.Event{Kind: ocpp.EventDisconnected, StationID: "CS-1", At: fixed.Add(time.Minute)})
	got, _ = state.Get("CS-1")
	assert.False(t, got.Online)
	assert.Equal(t, fixed.Add(time.Minute), got.LastSeen)
}

func TestStationStateSnapshotIsACopy(t *testing.T) {
	state := NewStationState()
	state.UpdateConnector("CS-2", 1, protocol.ConnectorAvailable, "")
	state.UpdateConnector("CS-1", 2, protocol.ConnectorFaulted, "GroundFailure")

	snapshot := state.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "CS-1", snapshot[0].StationID)

	snapshot[0].Connectors[2] = ConnectorState{Status: protocol.ConnectorAvailable}
	got, _ := state.Get("CS-1")
	assert.Equal(t, protocol.ConnectorFaulted, got.Connectors[2].Status)
}

func TestTransactionStore(t *testing.T) {
	store := NewTransactionStore()

	first := store.Start(TransactionContext{StationID: "CS-1", ConnectorID: 1, MeterStart: 1000})
	second := store.Start(TransactionContext{StationID: "CS-2", ConnectorID: 1, MeterStart: 50})
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, 2, second.ID)

	got, ok := store.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1000), got.MeterStart)
	assert.Len(t, store.OpenFor("CS-1"), 1)

	finished, ok := store.Finish(first.ID)
	require.True(t, ok)
	assert.Equal(t, "CS-1", finished.StationID)

	_, ok = store.Finish(first.ID)
	assert.False(t, ok)
	assert.Empty(t, store.OpenFor("CS-1"))
}

func TestTransactionStoreConcurrentIDsAreUnique(t *testing.T) {
	store := NewTransactionStore()
	var wg sync.WaitGroup
	ids := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- store.Start(TransactionContext{StationID: "CS-1"}).ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
}
