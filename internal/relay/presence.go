package relay

import (
	"sort"

	"github.com/noteloop/relay/internal/protocol"
)

// PresenceEntry is the live per-connection state within a room.
type PresenceEntry struct {
	UserID         string
	Name           string
	AvatarColor    string
	CursorPosition int
	SelectionRange *protocol.SelectionRange
	IsTyping       bool
	LastHeartbeat  int64 // monotonic ms
}

// merge applies a partial cursor_update: any missing field is retained from
// the previous entry.
func (e *PresenceEntry) merge(f *protocol.Frame) {
	if f.User != nil {
		if f.User.Name != "" {
			e.Name = f.User.Name
		}
		if f.User.AvatarColor != "" {
			e.AvatarColor = f.User.AvatarColor
		}
	}
	if f.CursorPosition != nil && *f.CursorPosition >= 0 {
		e.CursorPosition = *f.CursorPosition
	}
	if f.SelectionRange != nil && f.SelectionRange.Start <= f.SelectionRange.End {
		sel := *f.SelectionRange
		e.SelectionRange = &sel
	}
	if f.IsTyping != nil {
		e.IsTyping = *f.IsTyping
	}
}

// dedupPresence computes the broadcast view: one entry per distinct userId,
// keeping the entry with the greatest heartbeat so a user's second tab
// leaving does not erase the first tab's presence. Computed at broadcast
// time, not on write.
func dedupPresence(entries map[*Connection]*PresenceEntry) []protocol.PresenceUser {
	newest := make(map[string]*PresenceEntry, len(entries))
	for _, e := range entries {
		if cur, ok := newest[e.UserID]; !ok || e.LastHeartbeat > cur.LastHeartbeat {
			newest[e.UserID] = e
		}
	}

	users := make([]protocol.PresenceUser, 0, len(newest))
	for _, e := range newest {
		u := protocol.PresenceUser{
			UserID:         e.UserID,
			Name:           e.Name,
			AvatarColor:    e.AvatarColor,
			CursorPosition: e.CursorPosition,
			IsTyping:       e.IsTyping,
		}
		if e.SelectionRange != nil {
			sel := *e.SelectionRange
			u.SelectionRange = &sel
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}
