package relay

// Shared fixtures for the relay tests: an in-memory durable store, a hub on
// a mock clock, and frame helpers.

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noteloop/relay/internal/access"
	"github.com/noteloop/relay/internal/auth"
	"github.com/noteloop/relay/internal/protocol"
	"github.com/noteloop/relay/internal/snapshot"
	"github.com/noteloop/relay/internal/store"
)

const testSecret = "this-is-a-test-secret-that-is-at-least-32-chars"

type fakeStore struct {
	mu       sync.Mutex
	clk      clock.Clock
	docs     map[string]*store.Document
	shares   map[string]*store.Share     // documentID + "/" + userID
	links    map[string]*store.ShareLink // documentID + "/" + token
	versions map[string][]*store.Version
}

func newFakeStore(clk clock.Clock) *fakeStore {
	return &fakeStore{
		clk:      clk,
		docs:     make(map[string]*store.Document),
		shares:   make(map[string]*store.Share),
		links:    make(map[string]*store.ShareLink),
		versions: make(map[string][]*store.Version),
	}
}

func (f *fakeStore) FindDocumentByID(ctx context.Context, id string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id], nil
}

func (f *fakeStore) FindShareByDocumentAndUser(ctx context.Context, documentID, userID string) (*store.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shares[documentID+"/"+userID], nil
}

func (f *fakeStore) FindValidShareLink(ctx context.Context, documentID, token string, now time.Time) (*store.ShareLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := f.links[documentID+"/"+token]
	if link == nil {
		return nil, nil
	}
	if link.ExpiresAt != nil && !link.ExpiresAt.After(now) {
		return nil, nil
	}
	return link, nil
}

func (f *fakeStore) FindLatestVersion(ctx context.Context, documentID string) (*store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs := f.versions[documentID]
	if len(vs) == 0 {
		return nil, nil
	}
	return vs[len(vs)-1], nil
}

func (f *fakeStore) CreateVersion(ctx context.Context, documentID, authorID, summary string, snapshot []byte) (*store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &store.Version{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		AuthorID:   authorID,
		Summary:    summary,
		Snapshot:   append([]byte(nil), snapshot...),
		CreatedAt:  f.clk.Now(),
	}
	f.versions[documentID] = append(f.versions[documentID], v)
	return v, nil
}

func (f *fakeStore) versionCount(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.versions[documentID])
}

func (f *fakeStore) addDocument(id, ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = &store.Document{ID: id, OwnerID: ownerID}
}

func (f *fakeStore) addShare(documentID, userID, permission string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[documentID+"/"+userID] = &store.Share{DocumentID: documentID, UserID: userID, Permission: permission}
}

func (f *fakeStore) addLink(documentID, token, permission string, expiresAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[documentID+"/"+token] = &store.ShareLink{DocumentID: documentID, Token: token, Permission: permission, ExpiresAt: expiresAt}
}

func (f *fakeStore) addVersion(documentID string, snapshot []byte) {
	_, _ = f.CreateVersion(context.Background(), documentID, "owner", "", snapshot)
}

type testEnv struct {
	hub *Hub
	fs  *fakeStore
	clk *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	fs := newFakeStore(clk)

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	log := zap.NewNop()
	resolver := access.NewResolver(fs, clk, log)
	snapshots := snapshot.NewStore(nil, fs, fs, clk, log, snapshot.DefaultOptions())
	hub := NewHub(verifier, resolver, snapshots, clk, log)

	return &testEnv{hub: hub, fs: fs, clk: clk}
}

func (e *testEnv) connect(id string) *Connection {
	c := NewConnection(id, nil)
	e.hub.Register(c)
	return c
}

func signExpiredToken(userID string) (string, error) {
	return auth.SignToken(userID, userID+"@example.com", testSecret, -time.Hour)
}

func mustLoad(t *testing.T, raw []byte) *automerge.Doc {
	t.Helper()
	doc, err := automerge.Load(raw)
	require.NoError(t, err)
	return doc
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.SignToken(userID, userID+"@example.com", testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) send(c *Connection, f *protocol.Frame) {
	e.hub.HandleFrame(c, protocol.MustEncode(f))
}

func (e *testEnv) join(t *testing.T, c *Connection, documentID, userID string) {
	t.Helper()
	e.send(c, &protocol.Frame{
		Type:       protocol.TypeJoinDocument,
		DocumentID: documentID,
		Token:      signToken(t, userID),
	})
}

// recvFrame pops the next queued frame; frames are enqueued synchronously
// during dispatch, so an empty queue is a test failure.
func recvFrame(t *testing.T, c *Connection) *protocol.Frame {
	t.Helper()
	select {
	case data := <-c.send:
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		return f
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

// drainFrames empties and returns everything queued on a connection.
func drainFrames(c *Connection) []*protocol.Frame {
	var frames []*protocol.Frame
	for {
		select {
		case data := <-c.send:
			if f, err := protocol.Decode(data); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func isTerminated(c *Connection) bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// seedTextDocument stores a version whose snapshot carries a "content" text
// field, giving every client a common ancestor to merge against.
func seedTextDocument(t *testing.T, fs *fakeStore, documentID, text string) {
	t.Helper()
	doc := automerge.New()
	require.NoError(t, doc.Path("content").Set(automerge.NewText(text)))
	fs.addVersion(documentID, doc.Save())
}

func loadUpdate(t *testing.T, encoded string) *automerge.Doc {
	t.Helper()
	raw := decodeUpdate(t, encoded)
	doc, err := automerge.Load(raw)
	require.NoError(t, err)
	return doc
}

func decodeUpdate(t *testing.T, encoded string) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	return raw
}

func contentText(t *testing.T, doc *automerge.Doc) string {
	t.Helper()
	text, err := automerge.As[*automerge.Text](doc.Path("content").Get())
	require.NoError(t, err)
	s, err := text.Get()
	require.NoError(t, err)
	return s
}

func insertContent(t *testing.T, doc *automerge.Doc, pos int, s string) {
	t.Helper()
	text, err := automerge.As[*automerge.Text](doc.Path("content").Get())
	require.NoError(t, err)
	require.NoError(t, text.Insert(pos, s))
}
