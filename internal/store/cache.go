package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotCache is the fast tier of the persistence pipeline. It absorbs the
// high-frequency update stream so each edit does not become a durable row.
//
// The cache is a capability with a ready bit: a write failing with a
// connection-lost signal flips it to not-ready, and a later successful probe
// flips it back. Callers choose tier on each call, never caching the bit
// across awaits.
type SnapshotCache struct {
	client *redis.Client
	ready  atomic.Bool
	log    *zap.Logger
}

// NewSnapshotCache creates a cache client from a Redis URL.
func NewSnapshotCache(url string, log *zap.Logger) (*SnapshotCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &SnapshotCache{
		client: redis.NewClient(opt),
		log:    log,
	}, nil
}

// Connect verifies connectivity and marks the cache ready.
func (c *SnapshotCache) Connect(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return NewConnectionError("failed to connect to Redis", err)
	}
	c.ready.Store(true)
	return nil
}

// Close releases the client.
func (c *SnapshotCache) Close() error {
	c.ready.Store(false)
	return c.client.Close()
}

// Ready reports whether the cache is currently usable.
func (c *SnapshotCache) Ready() bool {
	return c.ready.Load()
}

// Probe pings the cache and flips it back to ready on success. The sweeper
// calls this while the cache is down.
func (c *SnapshotCache) Probe(ctx context.Context) {
	if c.ready.Load() {
		return
	}
	if err := c.client.Ping(ctx).Err(); err == nil {
		c.log.Info("snapshot cache reconnected")
		c.ready.Store(true)
	}
}

// Load returns the cached state bytes for a document, or (nil, nil) on miss.
func (c *SnapshotCache) Load(ctx context.Context, documentID string) ([]byte, error) {
	encoded, err := c.client.Get(ctx, stateKey(documentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, NewQueryError("failed to read cached state", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewQueryError("failed to decode cached state", err)
	}
	return raw, nil
}

// Store writes the state bytes for a document. A failed write flips the
// ready bit so the persistence tier falls through to the durable store.
func (c *SnapshotCache) Store(ctx context.Context, documentID string, state []byte) error {
	encoded := base64.StdEncoding.EncodeToString(state)
	if err := c.client.Set(ctx, stateKey(documentID), encoded, 0).Err(); err != nil {
		c.log.Warn("snapshot cache write failed, marking not ready",
			zap.String("documentId", documentID), zap.Error(err))
		c.ready.Store(false)
		return NewConnectionError("failed to write cached state", err)
	}
	return nil
}

func stateKey(documentID string) string {
	return fmt.Sprintf("doc:%s:state", documentID)
}
