// Package access resolves what a user may do with a document.
package access

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/security"
	"github.com/noteloop/relay/internal/store"
)

// Permission is a role granted on a document.
type Permission string

const (
	PermOwner  Permission = "owner"
	PermEditor Permission = "editor"
	PermViewer Permission = "viewer"
)

// CanWrite reports whether the permission allows content updates.
func (p Permission) CanWrite() bool {
	return p == PermOwner || p == PermEditor
}

// Structured denials. Store failures surface as ErrNotFound so internal
// details never leak to clients.
var (
	ErrInvalidID = errors.New("invalid document id")
	ErrNotFound  = errors.New("document not found")
	ErrNoAccess  = errors.New("no access to document")
)

// Resolver answers (documentId, userId, shareToken?) → permission. It is
// read-only and idempotent.
type Resolver struct {
	store store.AccessStore
	clk   clock.Clock
	log   *zap.Logger
}

// NewResolver creates a Resolver over the durable store.
func NewResolver(st store.AccessStore, clk clock.Clock, log *zap.Logger) *Resolver {
	return &Resolver{store: st, clk: clk, log: log}
}

// Resolve checks grants in order: owner, explicit user share, unexpired
// share link. Any earlier grant wins. An unknown share token falls through
// to ErrNoAccess, never ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, documentID, userID, shareToken string) (Permission, error) {
	if !security.ValidDocumentID(documentID) {
		return "", ErrInvalidID
	}

	doc, err := r.store.FindDocumentByID(ctx, documentID)
	if err != nil {
		r.log.Warn("document lookup failed", zap.String("documentId", documentID), zap.Error(err))
		return "", ErrNotFound
	}
	if doc == nil {
		return "", ErrNotFound
	}

	if doc.OwnerID == userID {
		return PermOwner, nil
	}

	share, err := r.store.FindShareByDocumentAndUser(ctx, documentID, userID)
	if err != nil {
		r.log.Warn("share lookup failed", zap.String("documentId", documentID), zap.Error(err))
		return "", ErrNotFound
	}
	if share != nil {
		return Permission(share.Permission), nil
	}

	if shareToken != "" {
		link, err := r.store.FindValidShareLink(ctx, documentID, shareToken, r.clk.Now())
		if err != nil {
			r.log.Warn("share link lookup failed", zap.String("documentId", documentID), zap.Error(err))
			return "", ErrNotFound
		}
		if link != nil {
			return Permission(link.Permission), nil
		}
	}

	return "", ErrNoAccess
}
