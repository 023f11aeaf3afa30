// Package snapshot implements the tiered persistence pipeline: a fast cache
// absorbing the live update stream, and a durable append-only version store
// that guarantees recovery after a cold restart.
package snapshot

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/store"
)

const autoSaveSummary = "Auto-save"

// Store is the tiered snapshot store.
type Store struct {
	cache    *store.SnapshotCache // optional
	versions store.VersionStore
	docs     store.AccessStore
	clk      clock.Clock
	log      *zap.Logger

	debounceCache   time.Duration
	debounceDurable time.Duration
	writeFloor      time.Duration

	mu          sync.Mutex
	lastDurable map[string]time.Time
}

// Options tune the persistence cadence.
type Options struct {
	DebounceCache   time.Duration // persist delay while the cache is ready
	DebounceDurable time.Duration // persist delay when only durable writes remain
	WriteFloor      time.Duration // minimum spacing of durable auto-saves per document
}

// DefaultOptions returns the production cadence.
func DefaultOptions() Options {
	return Options{
		DebounceCache:   1 * time.Second,
		DebounceDurable: 5 * time.Second,
		WriteFloor:      5 * time.Second,
	}
}

// NewStore creates a tiered snapshot store. cache may be nil when no cache
// is configured.
func NewStore(cache *store.SnapshotCache, versions store.VersionStore, docs store.AccessStore, clk clock.Clock, log *zap.Logger, opts Options) *Store {
	return &Store{
		cache:           cache,
		versions:        versions,
		docs:            docs,
		clk:             clk,
		log:             log,
		debounceCache:   opts.DebounceCache,
		debounceDurable: opts.DebounceDurable,
		writeFloor:      opts.WriteFloor,
		lastDurable:     make(map[string]time.Time),
	}
}

// CacheReady reports whether the fast tier is usable right now.
func (s *Store) CacheReady() bool {
	return s.cache != nil && s.cache.Ready()
}

// DebounceDelay returns the persist debounce for the current tier.
func (s *Store) DebounceDelay() time.Duration {
	if s.CacheReady() {
		return s.debounceCache
	}
	return s.debounceDurable
}

// Probe lets the sweeper nudge a down cache back to ready.
func (s *Store) Probe(ctx context.Context) {
	if s.cache != nil {
		s.cache.Probe(ctx)
	}
}

// LoadLatest returns the newest known state bytes for a document: the cache
// when it has data, the most recent durable version otherwise, or (nil, nil)
// when neither holds anything.
func (s *Store) LoadLatest(ctx context.Context, documentID string) ([]byte, error) {
	if s.CacheReady() {
		raw, err := s.cache.Load(ctx, documentID)
		if err != nil {
			s.log.Warn("cache load failed, falling back to durable store",
				zap.String("documentId", documentID), zap.Error(err))
		} else if raw != nil {
			return raw, nil
		}
	}

	version, err := s.versions.FindLatestVersion(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, nil
	}
	return version.Snapshot, nil
}

// Save persists the state bytes for a document. While the cache is ready it
// is authoritative and no durable row is written; when the cache is down the
// durable store catches up through rate-limited, deduplicated auto-saves.
func (s *Store) Save(ctx context.Context, documentID string, state []byte) error {
	if s.CacheReady() {
		if err := s.cache.Store(ctx, documentID, state); err == nil {
			return nil
		}
		// Write failure flipped the ready bit; fall through to durable.
	}
	return s.saveDurable(ctx, documentID, state)
}

func (s *Store) saveDurable(ctx context.Context, documentID string, state []byte) error {
	now := s.clk.Now()

	s.mu.Lock()
	last, ok := s.lastDurable[documentID]
	if ok && now.Sub(last) < s.writeFloor {
		s.mu.Unlock()
		return nil
	}
	s.lastDurable[documentID] = now
	s.mu.Unlock()

	latest, err := s.versions.FindLatestVersion(ctx, documentID)
	if err != nil {
		return err
	}
	if latest != nil && bytes.Equal(latest.Snapshot, state) {
		return nil
	}

	doc, err := s.docs.FindDocumentByID(ctx, documentID)
	if err != nil {
		return err
	}
	authorID := ""
	if doc != nil {
		authorID = doc.OwnerID
	}

	if _, err := s.versions.CreateVersion(ctx, documentID, authorID, autoSaveSummary, state); err != nil {
		return err
	}
	s.log.Debug("durable auto-save written", zap.String("documentId", documentID))
	return nil
}
