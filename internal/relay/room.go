package relay

import (
	"context"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/protocol"
	"github.com/noteloop/relay/internal/snapshot"
)

const persistSaveTimeout = 10 * time.Second

// Room is the in-memory state for one active document: the merged CRDT
// replica, the joined connections, their presence, and the pending-persist
// flag. Every mutation runs under the room mutex, so within a room the
// decode/apply/broadcast/schedule-persist sequence of one update is atomic
// with respect to other updates. The CRDT only ever advances.
type Room struct {
	DocumentID string

	snapshots *snapshot.Store
	metrics   *Metrics
	clk       clock.Clock
	log       *zap.Logger

	mu             sync.Mutex
	doc            *automerge.Doc
	conns          map[*Connection]struct{}
	presence       map[*Connection]*PresenceEntry
	persistPending bool
	persistTimer   *clock.Timer
}

func newRoom(documentID string, doc *automerge.Doc, snapshots *snapshot.Store, metrics *Metrics, clk clock.Clock, log *zap.Logger) *Room {
	return &Room{
		DocumentID: documentID,
		snapshots:  snapshots,
		metrics:    metrics,
		clk:        clk,
		log:        log,
		doc:        doc,
		conns:      make(map[*Connection]struct{}),
		presence:   make(map[*Connection]*PresenceEntry),
	}
}

// join registers a connection with its presence entry and sends it a
// doc_sync frame carrying the full state-as-update bytes at the moment of
// join. The sync frame is enqueued under the lock so it is the first frame
// the joining connection sees.
func (r *Room) join(c *Connection, entry *PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c] = struct{}{}
	r.presence[c] = entry

	c.enqueue(protocol.MustEncode(&protocol.Frame{
		Type:       protocol.TypeDocSync,
		DocumentID: r.DocumentID,
		Update:     encodeUpdate(r.doc.Save()),
	}))

	r.broadcastPresenceLocked()
}

// applyUpdate merges update bytes from a non-viewer connection, fans the
// original encoded update out to every other joined connection, and
// schedules a debounced persist. A decode or apply failure is logged and
// dropped; the sender stays connected and peer convergence is unaffected.
func (r *Room) applyUpdate(sender *Connection, raw []byte, encoded string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.LoadIncremental(raw); err != nil {
		r.log.Warn("dropping malformed update",
			zap.String("documentId", r.DocumentID), zap.Error(err))
		return
	}

	r.metrics.RecordOp()

	frame := protocol.MustEncode(&protocol.Frame{
		Type:       protocol.TypeYjsUpdate,
		DocumentID: r.DocumentID,
		Update:     encoded,
	})
	for c := range r.conns {
		if c == sender {
			continue
		}
		c.enqueue(frame)
	}

	r.schedulePersistLocked()
}

// schedulePersistLocked arms the debounced persist timer. Each room has at
// most one pending timer; the delay depends on which persistence tier is
// currently available.
func (r *Room) schedulePersistLocked() {
	if r.persistPending {
		return
	}
	r.persistPending = true
	r.persistTimer = r.clk.AfterFunc(r.snapshots.DebounceDelay(), r.firePersist)
}

// firePersist runs when the debounce timer elapses. The pending flag is
// cleared before the I/O so a subsequent update can schedule the next
// persist without waiting.
func (r *Room) firePersist() {
	r.mu.Lock()
	r.persistTimer = nil
	r.persistPending = false
	state := r.doc.Save()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistSaveTimeout)
	defer cancel()
	if err := r.snapshots.Save(ctx, r.DocumentID, state); err != nil {
		r.log.Warn("persist failed, will retry on next update",
			zap.String("documentId", r.DocumentID), zap.Error(err))
	}
}

// flushPersist completes a pending persist synchronously. Used on room
// teardown and at shutdown so pending persists complete before the room
// goes away.
func (r *Room) flushPersist(ctx context.Context) {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	pending := r.persistPending
	r.persistPending = false
	var state []byte
	if pending {
		state = r.doc.Save()
	}
	r.mu.Unlock()

	if !pending {
		return
	}
	if err := r.snapshots.Save(ctx, r.DocumentID, state); err != nil {
		r.log.Warn("flush persist failed",
			zap.String("documentId", r.DocumentID), zap.Error(err))
	}
}

// updatePresence merges a partial cursor_update into the connection's
// presence entry and rebroadcasts the deduplicated view.
func (r *Room) updatePresence(c *Connection, f *protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.presence[c]
	if !ok {
		return
	}
	entry.merge(f)
	entry.LastHeartbeat = r.clk.Now().UnixMilli()

	r.broadcastPresenceLocked()
}

// touch refreshes the heartbeat for a connection's presence entry.
func (r *Room) touch(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.presence[c]; ok {
		entry.LastHeartbeat = r.clk.Now().UnixMilli()
	}
}

// removeConnection drops a connection from the room's tracking structures
// and rebroadcasts presence when membership actually changed. Idempotent:
// the sweeper and the close handler may both get here.
func (r *Room) removeConnection(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	delete(r.presence, c)

	r.broadcastPresenceLocked()
	return true
}

// broadcastPresenceLocked sends the deduplicated presence view to the whole
// room, viewers included.
func (r *Room) broadcastPresenceLocked() {
	frame := protocol.MustEncode(&protocol.Frame{
		Type:       protocol.TypePresenceUpdate,
		DocumentID: r.DocumentID,
		Users:      dedupPresence(r.presence),
	})
	for c := range r.conns {
		c.enqueue(frame)
	}
}

// staleConnections returns connections whose heartbeat is older than the
// timeout.
func (r *Room) staleConnections(timeout time.Duration) []*Connection {
	cutoff := r.clk.Now().Add(-timeout).UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Connection
	for c, entry := range r.presence {
		if entry.LastHeartbeat < cutoff {
			stale = append(stale, c)
		}
	}
	return stale
}

// idle reports whether the room has no members and no pending persist.
func (r *Room) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) == 0 && !r.persistPending
}

// empty reports whether the room has no members.
func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) == 0
}
