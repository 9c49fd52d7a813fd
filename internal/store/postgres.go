package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores every document in a single JSONB table keyed by path.
// Transactions map onto database transactions with FOR UPDATE reads.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the documents table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure documents schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, path string, dest any) error {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", path, err)
	}
	return json.Unmarshal(raw, dest)
}

func (p *Postgres) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	collection, id := splitPath(path)
	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (path, collection, doc_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, path, collection, id, raw)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, path string, fields map[string]any) error {
	return p.RunTransaction(ctx, func(tx Tx) error {
		tx.Update(path, fields)
		return nil
	})
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT doc_id, data FROM documents WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows pgx.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.Data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSnapshots(snaps)
	return snaps, nil
}

func (p *Postgres) DeleteCollection(ctx context.Context, collection string) error {
	// Also removes nested subcollections (rooms/{id}/players etc).
	_, err := p.pool.Exec(ctx, `
		DELETE FROM documents WHERE collection = $1 OR collection LIKE $2
	`, collection, collection+"/%")
	if err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

// ============================================================================
// BATCHES AND TRANSACTIONS
// ============================================================================

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
	err error
}

func (t *pgTx) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *pgTx) Get(path string, dest any) error {
	var raw []byte
	err := t.tx.QueryRow(t.ctx, `SELECT data FROM documents WHERE path = $1 FOR UPDATE`, path).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", path, err)
	}
	return json.Unmarshal(raw, dest)
}

func (t *pgTx) List(collection string) ([]Snapshot, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT doc_id, data FROM documents WHERE collection = $1 FOR UPDATE
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func (t *pgTx) Set(path string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		t.fail(fmt.Errorf("failed to marshal %s: %w", path, err))
		return
	}
	collection, id := splitPath(path)
	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO documents (path, collection, doc_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, path, collection, id, raw)
	if err != nil {
		t.fail(fmt.Errorf("failed to set %s: %w", path, err))
	}
}

func (t *pgTx) Update(path string, fields map[string]any) {
	var raw []byte
	err := t.tx.QueryRow(t.ctx, `SELECT data FROM documents WHERE path = $1 FOR UPDATE`, path).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		t.fail(fmt.Errorf("%w: %s", ErrNotFound, path))
		return
	}
	if err != nil {
		t.fail(fmt.Errorf("failed to read %s for update: %w", path, err))
		return
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.fail(fmt.Errorf("failed to decode %s: %w", path, err))
		return
	}
	if err := applyFields(doc, fields); err != nil {
		t.fail(err)
		return
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		t.fail(fmt.Errorf("failed to re-encode %s: %w", path, err))
		return
	}
	_, err = t.tx.Exec(t.ctx, `
		UPDATE documents SET data = $2, updated_at = NOW() WHERE path = $1
	`, path, merged)
	if err != nil {
		t.fail(fmt.Errorf("failed to update %s: %w", path, err))
	}
}

func (t *pgTx) Delete(path string) {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		t.fail(fmt.Errorf("failed to delete %s: %w", path, err))
	}
}

func (p *Postgres) runInTx(ctx context.Context, fn func(t *pgTx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	wrapped := &pgTx{ctx: ctx, tx: tx}
	if err := fn(wrapped); err != nil {
		return err
	}
	if wrapped.err != nil {
		return wrapped.err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) RunBatch(ctx context.Context, fn func(b Writer) error) error {
	return p.runInTx(ctx, func(t *pgTx) error { return fn(t) })
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return p.runInTx(ctx, func(t *pgTx) error { return fn(t) })
}
