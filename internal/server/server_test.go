package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/access"
	"github.com/noteloop/relay/internal/auth"
	"github.com/noteloop/relay/internal/relay"
	"github.com/noteloop/relay/internal/snapshot"
	"github.com/noteloop/relay/internal/store"
)

type emptyStore struct{}

func (emptyStore) FindDocumentByID(ctx context.Context, id string) (*store.Document, error) {
	return nil, nil
}

func (emptyStore) FindShareByDocumentAndUser(ctx context.Context, documentID, userID string) (*store.Share, error) {
	return nil, nil
}

func (emptyStore) FindValidShareLink(ctx context.Context, documentID, token string, now time.Time) (*store.ShareLink, error) {
	return nil, nil
}

func (emptyStore) FindLatestVersion(ctx context.Context, documentID string) (*store.Version, error) {
	return nil, nil
}

func (emptyStore) CreateVersion(ctx context.Context, documentID, authorID, summary string, snapshot []byte) (*store.Version, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := zap.NewNop()
	clk := clock.NewMock()

	verifier, err := auth.NewVerifier("this-is-a-test-secret-that-is-at-least-32-chars")
	require.NoError(t, err)

	st := emptyStore{}
	resolver := access.NewResolver(st, clk, log)
	snapshots := snapshot.NewStore(nil, st, st, clk, log, snapshot.DefaultOptions())
	hub := relay.NewHub(verifier, resolver, snapshots, clk, log)

	return New(hub, log)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestMetricsShape(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActiveDocuments   int `json:"activeDocuments"`
		ActiveConnections int `json:"activeConnections"`
		OpsPerMinute      int `json:"opsPerMinute"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Zero(t, body.ActiveDocuments)
	require.Zero(t, body.ActiveConnections)
	require.Zero(t, body.OpsPerMinute)
}

func TestUnknownPathIs404(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/", "/nope", "/metrics/extra"} {
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}
}
