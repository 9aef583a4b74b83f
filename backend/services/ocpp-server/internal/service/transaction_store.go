package service

import (
	"sync"
	"time"
)

// TransactionContext keeps runtime info for an open transaction.
type TransactionContext struct {
	ID          int
	StationID   string
	ConnectorID int
	IDTag       string
	MeterStart  int64
	StartedAt   time.Time
}

// TransactionStore allocates transaction ids and stores open transactions by id.
type TransactionStore struct {
	mu     sync.RWMutex
	nextID int
	data   map[int]TransactionContext
}

// NewTransactionStore returns an empty store. Ids start at 1.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		nextID: 1,
		data:   make(map[int]TransactionContext),
	}
}

// Start opens a transaction and returns it with its allocated id.
func (s *TransactionStore) Start(tx TransactionContext) TransactionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.ID = s.nextID
	s.nextID++
	s.data[tx.ID] = tx
	return tx
}

// Get returns the open transaction with id.
func (s *TransactionStore) Get(id int) (TransactionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.data[id]
	return tx, ok
}

// Finish removes the transaction and returns it.
func (s *TransactionStore) Finish(id int) (TransactionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.data[id]
	if ok {
		delete(s.data, id)
	}
	return tx, ok
}

// OpenFor lists the open transactions of a station.
func (s *TransactionStore) OpenFor(stationID string) []TransactionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []TransactionContext
	for _, tx := range s.data {
		if tx.StationID == stationID {
			open = append(open, tx)
		}
	}
	return open
}
