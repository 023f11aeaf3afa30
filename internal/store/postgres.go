package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ AccessStore  = (*PostgresStore)(nil)
	_ VersionStore = (*PostgresStore)(nil)
)

// PostgresStore implements AccessStore and VersionStore against PostgreSQL.
type PostgresStore struct {
	config    *PostgresConfig
	pool      *pgxpool.Pool
	connected bool
}

// PostgresConfig holds connection pool configuration.
type PostgresConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultPostgresConfig returns sensible defaults
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(config *PostgresConfig) *PostgresStore {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	return &PostgresStore{
		config: config,
	}
}

// Connect establishes the connection pool.
func (p *PostgresStore) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool.
func (p *PostgresStore) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status.
func (p *PostgresStore) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity.
func (p *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// FindDocumentByID retrieves a document row, or (nil, nil) when absent.
func (p *PostgresStore) FindDocumentByID(ctx context.Context, id string) (*Document, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT id, owner_id, title, created_at, updated_at FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)

	var doc Document
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}

	return &doc, nil
}

// FindShareByDocumentAndUser retrieves the explicit per-user grant, or
// (nil, nil) when none exists.
func (p *PostgresStore) FindShareByDocumentAndUser(ctx context.Context, documentID, userID string) (*Share, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT document_id, user_id, permission FROM shares WHERE document_id = $1 AND user_id = $2`
	row := p.pool.QueryRow(ctx, query, documentID, userID)

	var share Share
	err := row.Scan(&share.DocumentID, &share.UserID, &share.Permission)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get share", err)
	}

	return &share, nil
}

// FindValidShareLink retrieves a share-link grant whose expiry is NULL or
// strictly in the future, or (nil, nil) when none matches.
func (p *PostgresStore) FindValidShareLink(ctx context.Context, documentID, token string, now time.Time) (*ShareLink, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT document_id, token, permission, expires_at
		FROM share_links
		WHERE document_id = $1 AND token = $2 AND (expires_at IS NULL OR expires_at > $3)
	`
	row := p.pool.QueryRow(ctx, query, documentID, token, now)

	var link ShareLink
	err := row.Scan(&link.DocumentID, &link.Token, &link.Permission, &link.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get share link", err)
	}

	return &link, nil
}

// FindLatestVersion retrieves the most recent version row for a document, or
// (nil, nil) when the document has no versions.
func (p *PostgresStore) FindLatestVersion(ctx context.Context, documentID string) (*Version, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, document_id, author_id, summary, snapshot, created_at
		FROM versions
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := p.pool.QueryRow(ctx, query, documentID)

	var v Version
	err := row.Scan(&v.ID, &v.DocumentID, &v.AuthorID, &v.Summary, &v.Snapshot, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get latest version", err)
	}

	return &v, nil
}

// CreateVersion appends a new version row.
func (p *PostgresStore) CreateVersion(ctx context.Context, documentID, authorID, summary string, snapshot []byte) (*Version, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	v := &Version{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		AuthorID:   authorID,
		Summary:    summary,
		Snapshot:   snapshot,
	}

	query := `
		INSERT INTO versions (id, document_id, author_id, summary, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	row := p.pool.QueryRow(ctx, query, v.ID, v.DocumentID, v.AuthorID, v.Summary, v.Snapshot)

	if err := row.Scan(&v.CreatedAt); err != nil {
		return nil, NewQueryError("failed to create version", err)
	}

	return v, nil
}
