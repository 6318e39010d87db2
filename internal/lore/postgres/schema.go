// Package postgres is a self-hosted lore store on PostgreSQL with pgvector.
//
// Documents are embedded once on [Store.Put] and searched by cosine distance
// to the embedded query; metadata filters are applied as JSONB equality. The
// same pool also keeps session snapshots so a restarted orchestrator can
// resume a table's scene and pipeline state.
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	id, _ := store.Put(ctx, "Grappling uses Athletics.", map[string]string{"type": "rule"})
//	docs, _ := store.Search(ctx, "how do I grapple?", 3, map[string]string{"type": "rule"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Lore documents
// ─────────────────────────────────────────────────────────────────────────────

func ddlDocuments(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS lore_documents (
    id          TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_lore_documents_type
    ON lore_documents ((metadata->>'type'));

CREATE INDEX IF NOT EXISTS idx_lore_documents_embedding
    ON lore_documents USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// ─────────────────────────────────────────────────────────────────────────────
// Session snapshots
// ─────────────────────────────────────────────────────────────────────────────

const ddlSnapshots = `
CREATE TABLE IF NOT EXISTS session_snapshots (
    session_id      TEXT         PRIMARY KEY,
    format_version  INTEGER      NOT NULL,
    payload         JSONB        NOT NULL,
    saved_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the tables and indexes. It is idempotent. dims must match
// the embedding provider; changing it later needs a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	for _, stmt := range []string{ddlDocuments(dims), ddlSnapshots} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
