package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/pkg/provider/embeddings"
)

var _ lore.Store = (*Store)(nil)

// Store is the pgvector-backed [lore.Store]. It is safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate] with the embedder's dimensions.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("postgres store: embedder must not be nil")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool, embedder: embedder}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Put implements [lore.Store]. The document id is a random UUID.
func (s *Store) Put(ctx context.Context, content string, metadata map[string]string) (string, error) {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("postgres store: embed document: %w", err)
	}
	meta, err := json.Marshal(nonNil(metadata))
	if err != nil {
		return "", fmt.Errorf("postgres store: encode metadata: %w", err)
	}

	id := uuid.NewString()
	const q = `
		INSERT INTO lore_documents (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, id, content, meta, pgvector.NewVector(vec)); err != nil {
		return "", fmt.Errorf("postgres store: insert document: %w", err)
	}
	return id, nil
}

// Get implements [lore.Store].
func (s *Store) Get(ctx context.Context, id string) (lore.Document, error) {
	const q = `
		SELECT id, content, metadata, created_at, updated_at
		FROM   lore_documents
		WHERE  id = $1`
	var (
		d    lore.Document
		meta []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.Content, &meta, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lore.Document{}, lore.ErrNotFound
	}
	if err != nil {
		return lore.Document{}, fmt.Errorf("postgres store: get %q: %w", id, err)
	}
	if err := json.Unmarshal(meta, &d.Metadata); err != nil {
		return lore.Document{}, fmt.Errorf("postgres store: decode metadata: %w", err)
	}
	return d, nil
}

// Search implements [lore.Searcher]. Documents are ranked by cosine
// similarity to the embedded query; Score is 1 minus the cosine distance.
func (s *Store) Search(ctx context.Context, query string, limit int, filters map[string]string) ([]lore.Document, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(vec)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	var conditions []string
	for _, k := range slices.Sorted(maps.Keys(filters)) {
		conditions = append(conditions, fmt.Sprintf("metadata->>%s = %s", next(k), next(filters[k])))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	q := fmt.Sprintf(`
		SELECT id, content, metadata, created_at, updated_at,
		       embedding <=> $1 AS distance
		FROM   lore_documents
		%s
		ORDER  BY distance
		LIMIT  %s`, where, next(limit))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lore.Document, error) {
		var (
			d        lore.Document
			meta     []byte
			distance float64
		)
		if err := row.Scan(&d.ID, &d.Content, &meta, &d.CreatedAt, &d.UpdatedAt, &distance); err != nil {
			return lore.Document{}, err
		}
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return lore.Document{}, err
		}
		score := 1 - distance
		d.Score = &score
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if docs == nil {
		docs = []lore.Document{}
	}
	return docs, nil
}

// ── Snapshots ────────────────────────────────────────────────────────────────

// SaveSnapshot upserts the snapshot payload of a session.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, formatVersion int, payload []byte) error {
	const q = `
		INSERT INTO session_snapshots (session_id, format_version, payload, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
		    format_version = EXCLUDED.format_version,
		    payload        = EXCLUDED.payload,
		    saved_at       = EXCLUDED.saved_at`
	if _, err := s.pool.Exec(ctx, q, sessionID, formatVersion, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("postgres store: save snapshot %q: %w", sessionID, err)
	}
	return nil
}

// LoadSnapshot returns the stored payload of a session, or [lore.ErrNotFound].
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM session_snapshots WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load snapshot %q: %w", sessionID, err)
	}
	return payload, nil
}

// DeleteSnapshot removes a session's snapshot. Unknown ids are not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_snapshots WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: delete snapshot %q: %w", sessionID, err)
	}
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
