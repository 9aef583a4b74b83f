// Package presence records in Redis which server node holds each station's connection, so other
// nodes can route outbound calls.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stationlink/backend/services/ocpp-server/internal/ocpp"
)

const (
	defaultKeyPrefix = "ocpp:presence:"
	defaultTTL       = 90 * time.Second
	opTimeout        = 2 * time.Second
)

// releaseScript deletes the key only while it still names this node; a station that already
// reconnected elsewhere keeps its entry.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of *redis.Client the store uses.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Options configure a Store.
type Options struct {
	NodeID    string
	TTL       time.Duration
	KeyPrefix string
}

// Store is an ocpp.Observer that mirrors Connected/Disconnected events into Redis keys with a TTL.
type Store struct {
	client Client
	nodeID string
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewStore builds a presence store for this node.
func NewStore(client Client, opts Options, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("presence: redis client is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("presence: node id is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, nodeID: opts.NodeID, ttl: opts.TTL, prefix: opts.KeyPrefix, logger: logger}, nil
}

// Observe implements ocpp.Observer.
func (s *Store) Observe(e ocpp.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch e.Kind {
	case ocpp.EventConnected:
		err = s.Claim(ctx, e.StationID)
	case ocpp.EventDisconnected:
		err = s.Release(ctx, e.StationID)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("presence update failed",
			zap.String("station_id", e.StationID),
			zap.String("event", string(e.Kind)),
			zap.Error(err),
		)
	}
}

// Claim records this node as the holder of stationID.
func (s *Store) Claim(ctx context.Context, stationID string) error {
	if err := s.client.Set(ctx, s.key(stationID), s.nodeID, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence: claim %s: %w", stationID, err)
	}
	return nil
}

// Release drops the record if this node still holds it.
func (s *Store) Release(ctx context.Context, stationID string) error {
	if err := s.client.Eval(ctx, releaseScript, []string{s.key(stationID)}, s.nodeID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: release %s: %w", stationID, err)
	}
	return nil
}

// Lookup returns the node holding stationID.
func (s *Store) Lookup(ctx context.Context, stationID string) (string, bool, error) {
	node, err := s.client.Get(ctx, s.key(stationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence: lookup %s: %w", stationID, err)
	}
	return node, true, nil
}

// Refresh re-claims every station so live entries never expire.
func (s *Store) Refresh(ctx context.Context, stationIDs []string) error {
	var errs []error
	for _, id := range stationIDs {
		if err := s.Claim(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes the stations returned by list every third of the TTL until ctx is done.
func (s *Store) Run(ctx context.Context, list func() []string) error {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, opTimeout)
			if err := s.Refresh(refreshCtx, list()); err != nil {
				s.logger.Warn("presence refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// NodeID returns this node's id.
func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) key(stationID string) string {
	return s.prefix + stationID
}
