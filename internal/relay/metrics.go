package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const opsWindow = 60 * time.Second

// Metrics tracks the rolling edit-operation rate. Only successfully applied
// editor/owner updates are recorded.
type Metrics struct {
	clk clock.Clock

	mu  sync.Mutex
	ops []time.Time
}

// NewMetrics creates a Metrics collector.
func NewMetrics(clk clock.Clock) *Metrics {
	return &Metrics{clk: clk}
}

// RecordOp records one applied update. Entries older than the window are
// discarded on insertion.
func (m *Metrics) RecordOp() {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, now)
	m.prune(now)
}

// OpsPerMinute returns the count of operations within the last 60 s,
// discarding stale entries lazily.
func (m *Metrics) OpsPerMinute() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.clk.Now())
	return len(m.ops)
}

func (m *Metrics) prune(now time.Time) {
	cutoff := now.Add(-opsWindow)
	i := 0
	for i < len(m.ops) && !m.ops[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.ops = append(m.ops[:0], m.ops[i:]...)
	}
}

// Stats is the JSON body served by /metrics.
type Stats struct {
	ActiveDocuments   int `json:"activeDocuments"`
	ActiveConnections int `json:"activeConnections"`
	OpsPerMinute      int `json:"opsPerMinute"`
}
