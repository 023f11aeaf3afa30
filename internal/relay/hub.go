package relay

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/access"
	"github.com/noteloop/relay/internal/auth"
	"github.com/noteloop/relay/internal/protocol"
	"github.com/noteloop/relay/internal/snapshot"
)

// Error messages surfaced to clients.
const (
	msgUnauthorized     = "Unauthorized"
	msgDocumentNotFound = "Document not found"
	msgAccessDenied     = "Access denied"
	msgReadOnly         = "Read-only access"
	msgNotJoined        = "Not joined"
)

// connState records what a joined connection is doing. A connection is a
// member of a room's connection set iff it is a key in that room's presence
// map iff it has an entry here; the three are updated together.
type connState struct {
	documentID string
	userID     string
	perm       access.Permission
}

// Hub owns the room registry and the connection→state map, admits joins,
// and dispatches inbound frames. Rooms are created lazily on first join and
// reclaimed when empty.
type Hub struct {
	log       *zap.Logger
	clk       clock.Clock
	verifier  *auth.Verifier
	resolver  *access.Resolver
	snapshots *snapshot.Store
	metrics   *Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	states map[*Connection]*connState
	conns  map[*Connection]struct{}
	closed bool
}

// NewHub creates a Hub.
func NewHub(verifier *auth.Verifier, resolver *access.Resolver, snapshots *snapshot.Store, clk clock.Clock, log *zap.Logger) *Hub {
	return &Hub{
		log:       log,
		clk:       clk,
		verifier:  verifier,
		resolver:  resolver,
		snapshots: snapshots,
		metrics:   NewMetrics(clk),
		rooms:     make(map[string]*Room),
		states:    make(map[*Connection]*connState),
		conns:     make(map[*Connection]struct{}),
	}
}

// Register tracks a freshly upgraded connection.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Disconnect runs full cleanup for a closing connection. Safe to call more
// than once; the sweeper and the transport close handler share this path.
func (h *Hub) Disconnect(c *Connection) {
	h.cleanup(c, true, true)
}

// Stats returns the metrics snapshot.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	docs := len(h.rooms)
	conns := len(h.conns)
	h.mu.Unlock()
	return Stats{
		ActiveDocuments:   docs,
		ActiveConnections: conns,
		OpsPerMinute:      h.metrics.OpsPerMinute(),
	}
}

// Touch refreshes the heartbeat for whatever room the connection has
// joined. Called for every inbound frame and for transport pongs.
func (h *Hub) Touch(c *Connection) {
	h.mu.Lock()
	st := h.states[c]
	var room *Room
	if st != nil {
		room = h.rooms[st.documentID]
	}
	h.mu.Unlock()

	if room != nil {
		room.touch(c)
	}
}

// HandleFrame processes one inbound frame. Frames on a connection are
// handled serially by its read pump.
func (h *Hub) HandleFrame(c *Connection, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		h.log.Debug("ignoring malformed frame", zap.String("connectionId", c.ID), zap.Error(err))
		return
	}

	h.Touch(c)

	switch frame.Type {
	case protocol.TypeJoinDocument:
		h.handleJoin(c, frame)
	case protocol.TypeYjsUpdate:
		h.handleUpdate(c, frame)
	case protocol.TypeCursorUpdate:
		h.handleCursor(c, frame)
	case protocol.TypeHeartbeat:
		// Touch above already refreshed the heartbeat; only the join
		// requirement is left to enforce.
		if st, _ := h.stateFor(c); st == nil {
			c.enqueue(protocol.ErrorFrame(msgNotJoined))
		}
	case protocol.TypeLeaveDocument:
		h.handleLeave(c)
	default:
		h.log.Debug("ignoring unknown frame type",
			zap.String("connectionId", c.ID), zap.String("type", frame.Type))
	}
}

func (h *Hub) handleJoin(c *Connection, f *protocol.Frame) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Terminate()
		return
	}
	alreadyJoined := h.states[c] != nil
	h.mu.Unlock()

	// A second join on the same connection performs an implicit leave.
	if alreadyJoined {
		h.cleanup(c, false, false)
	}

	ident, err := h.verifier.Verify(f.Token)
	if err != nil {
		h.refuse(c, msgUnauthorized)
		return
	}

	ctx := context.Background()
	perm, err := h.resolver.Resolve(ctx, f.DocumentID, ident.UserID, f.ShareToken)
	if err != nil {
		switch err {
		case access.ErrNoAccess:
			h.refuse(c, msgAccessDenied)
		default:
			h.refuse(c, msgDocumentNotFound)
		}
		return
	}

	room, err := h.roomFor(ctx, f.DocumentID)
	if err != nil {
		h.refuse(c, msgDocumentNotFound)
		return
	}

	entry := &PresenceEntry{
		UserID:        ident.UserID,
		Name:          ident.Email,
		LastHeartbeat: h.clk.Now().UnixMilli(),
	}
	if f.User != nil {
		if f.User.Name != "" {
			entry.Name = f.User.Name
		}
		entry.AvatarColor = f.User.AvatarColor
	}
	if f.CursorPosition != nil && *f.CursorPosition >= 0 {
		entry.CursorPosition = *f.CursorPosition
	}
	if f.SelectionRange != nil && f.SelectionRange.Start <= f.SelectionRange.End {
		sel := *f.SelectionRange
		entry.SelectionRange = &sel
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Terminate()
		return
	}
	h.states[c] = &connState{documentID: f.DocumentID, userID: ident.UserID, perm: perm}
	h.rooms[f.DocumentID] = room
	// Membership is added while the registry lock is held so a concurrent
	// sweep cannot reap the room between insert and join.
	room.join(c, entry)
	h.mu.Unlock()

	h.log.Info("connection joined",
		zap.String("connectionId", c.ID),
		zap.String("documentId", f.DocumentID),
		zap.String("userId", ident.UserID),
		zap.String("permission", string(perm)))
}

func (h *Hub) handleUpdate(c *Connection, f *protocol.Frame) {
	st, room := h.stateFor(c)
	if st == nil || room == nil {
		c.enqueue(protocol.ErrorFrame(msgNotJoined))
		return
	}
	if !st.perm.CanWrite() {
		c.enqueue(protocol.ErrorFrame(msgReadOnly))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(f.Update)
	if err != nil {
		h.log.Warn("dropping update with invalid encoding",
			zap.String("connectionId", c.ID), zap.Error(err))
		return
	}

	room.applyUpdate(c, raw, f.Update)
}

func (h *Hub) handleCursor(c *Connection, f *protocol.Frame) {
	_, room := h.stateFor(c)
	if room == nil {
		c.enqueue(protocol.ErrorFrame(msgNotJoined))
		return
	}
	room.updatePresence(c, f)
}

func (h *Hub) handleLeave(c *Connection) {
	st, _ := h.stateFor(c)
	if st == nil {
		c.enqueue(protocol.ErrorFrame(msgNotJoined))
		return
	}
	// The socket stays open; only the join is undone.
	h.cleanup(c, false, false)
}

// refuse sends a single error frame and closes the connection.
func (h *Hub) refuse(c *Connection, message string) {
	c.enqueue(protocol.ErrorFrame(message))
	c.Terminate()
}

func (h *Hub) stateFor(c *Connection) (*connState, *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.states[c]
	if st == nil {
		return nil, nil
	}
	return st, h.rooms[st.documentID]
}

// roomFor returns the live room for a document, creating it from the latest
// snapshot on first join. A load failure is treated as "no prior snapshot":
// the room starts empty and convergence is preserved across reconnecting
// peers via CRDT merge.
func (h *Hub) roomFor(ctx context.Context, documentID string) (*Room, error) {
	h.mu.Lock()
	if room, ok := h.rooms[documentID]; ok {
		h.mu.Unlock()
		return room, nil
	}
	h.mu.Unlock()

	var doc *automerge.Doc
	raw, err := h.snapshots.LoadLatest(ctx, documentID)
	if err != nil {
		h.log.Warn("snapshot load failed, starting empty",
			zap.String("documentId", documentID), zap.Error(err))
	}
	if raw != nil {
		doc, err = automerge.Load(raw)
		if err != nil {
			h.log.Warn("snapshot corrupt, starting empty",
				zap.String("documentId", documentID), zap.Error(err))
			doc = nil
		}
	}
	if doc == nil {
		doc = automerge.New()
	}

	room := newRoom(documentID, doc, h.snapshots, h.metrics, h.clk, h.log)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.rooms[documentID]; ok {
		return existing, nil
	}
	h.rooms[documentID] = room
	return room, nil
}

// cleanup is the single teardown path shared by leave_document, transport
// close, sweeper eviction, and shutdown. Idempotent: membership may already
// have been removed.
func (h *Hub) cleanup(c *Connection, unregister, terminate bool) {
	h.mu.Lock()
	st := h.states[c]
	delete(h.states, c)
	if unregister {
		delete(h.conns, c)
	}
	var room *Room
	if st != nil {
		room = h.rooms[st.documentID]
	}
	h.mu.Unlock()

	if room != nil {
		room.removeConnection(c)
		h.reapIfIdle(room)
	}
	if terminate {
		c.Terminate()
	}
}

// reapIfIdle removes a room from the registry once it has no members and no
// pending persist. A room with a pending persist stays until the persist
// completes; the sweeper flushes and collects it.
func (h *Hub) reapIfIdle(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room.DocumentID] == room && room.idle() {
		delete(h.rooms, room.DocumentID)
	}
}

// snapshotRooms returns the current rooms for the sweeper to walk.
func (h *Hub) snapshotRooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// snapshotConns returns the current connections for the sweeper to ping.
func (h *Hub) snapshotConns() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Shutdown stops admitting joins, flushes every pending persist, and closes
// all connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.flushPersist(ctx)
	}
	for _, c := range conns {
		c.Terminate()
	}
}

func encodeUpdate(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
