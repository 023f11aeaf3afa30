package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Sweeper is the process-wide liveness task. On each tick it evicts
// connections whose heartbeat has gone stale, collects empty rooms, pings
// every open connection at the transport layer, and probes a down cache.
type Sweeper struct {
	hub      *Hub
	interval time.Duration
	timeout  time.Duration
	clk      clock.Clock
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a Sweeper. interval is the tick cadence, timeout the
// heartbeat age beyond which a connection is evicted.
func NewSweeper(hub *Hub, interval, timeout time.Duration, clk clock.Clock, log *zap.Logger) *Sweeper {
	return &Sweeper{
		hub:      hub,
		interval: interval,
		timeout:  timeout,
		clk:      clk,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks until Stop is called. Call in a goroutine.
func (s *Sweeper) Run() {
	defer close(s.done)
	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Stop halts the sweeper and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, room := range s.hub.snapshotRooms() {
		for _, c := range room.staleConnections(s.timeout) {
			s.log.Info("evicting stale connection",
				zap.String("connectionId", c.ID),
				zap.String("documentId", room.DocumentID))
			s.hub.cleanup(c, true, true)
		}

		if room.empty() {
			// Pending persists complete before teardown.
			room.flushPersist(ctx)
			s.hub.reapIfIdle(room)
		}
	}

	for _, c := range s.hub.snapshotConns() {
		if err := c.Ping(); err != nil {
			s.log.Debug("transport ping failed", zap.String("connectionId", c.ID), zap.Error(err))
		}
	}

	s.hub.snapshots.Probe(ctx)
}
