package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/models"
	"stationlink/backend/services/ocpp-server/internal/ocpp"
)

// FrameStore persists frame log batches.
type FrameStore interface {
	SaveBatch(ctx context.Context, entries []models.FrameLogEntry) error
}

// FrameLogOptions size the write buffer.
type FrameLogOptions struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// FrameLog records every frame that crossed the wire. Observe never blocks: entries go to a
// bounded buffer drained by Run, and are dropped with a warning when the buffer is full.
type FrameLog struct {
	store   FrameStore
	opts    FrameLogOptions
	entries chan models.FrameLogEntry
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewFrameLog builds the observer; call Run to start writing.
func NewFrameLog(store FrameStore, opts FrameLogOptions, logger *zap.Logger) *FrameLog {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameLog{
		store:   store,
		opts:    opts,
		entries: make(chan models.FrameLogEntry, opts.BufferSize),
		logger:  logger,
	}
}

// Observe implements ocpp.Observer.
func (f *FrameLog) Observe(e ocpp.Event) {
	var direction models.FrameDirection
	switch e.Kind {
	case ocpp.EventFrameReceived:
		direction = models.FrameInbound
	case ocpp.EventReplySent, ocpp.EventRequestSent:
		direction = models.FrameOutbound
	default:
		return
	}

	entry := models.FrameLogEntry{
		StationID:  e.StationID,
		Direction:  direction,
		Event:      string(e.Kind),
		RequestID:  e.RequestID,
		Action:     e.Action,
		ErrorCode:  string(e.ErrorCode),
		Payload:    append([]byte(nil), e.Frame...),
		RecordedAt: e.At,
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	select {
	case f.entries <- entry:
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Warn("frame log buffer full, dropping entries", zap.Int64("dropped", n))
		}
	}
}

// Dropped returns how many entries were discarded.
func (f *FrameLog) Dropped() int64 { return f.dropped.Load() }

// Run writes buffered entries in batches until ctx is done, then flushes what is left.
func (f *FrameLog) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.FrameLogEntry, 0, f.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := f.store.SaveBatch(ctx, batch); err != nil {
			f.logger.Warn("frame log write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case entry := <-f.entries:
					batch = append(batch, entry)
					if len(batch) >= f.opts.BatchSize {
						f.flushDetached(flush)
					}
				default:
					f.flushDetached(flush)
					return nil
				}
			}
		case entry := <-f.entries:
			batch = append(batch, entry)
			if len(batch) >= f.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// flushDetached flushes with a fresh deadline once the run context is gone.
func (f *FrameLog) flushDetached(flush func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	flush(ctx)
}
