// Package search keeps the external search index in step with the recipes
// table. A Syncer reads recipes changed after a stored watermark, pushes
// them to the index in batches and advances the watermark.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Document is the indexed form of a recipe.
type Document struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Author      string    `json:"author"`
	Ingredients []string  `json:"ingredients"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cursor is a position in (updated_at, id) order.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Source reads changed recipes and stores the sync watermark per index.
type Source interface {
	Watermark(ctx context.Context, index string) (Cursor, error)
	Changed(ctx context.Context, after Cursor, limit int) ([]Document, error)
	SaveWatermark(ctx context.Context, index string, c Cursor) error
}

// PgSource reads from the recipes and search_sync_state tables.
type PgSource struct {
	pool *pgxpool.Pool
}

// NewPgSource creates a source over pool.
func NewPgSource(pool *pgxpool.Pool) *PgSource {
	return &PgSource{pool: pool}
}

// Watermark returns the stored cursor, or the zero cursor for a new index.
func (s *PgSource) Watermark(ctx context.Context, index string) (Cursor, error) {
	var c Cursor
	var id *uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT watermark, last_id FROM search_sync_state WHERE index_name = $1`, index,
	).Scan(&c.At, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	if id != nil {
		c.ID = *id
	}
	return c, nil
}

// Changed returns up to limit recipes after the cursor in (updated_at, id) order.
func (s *PgSource) Changed(ctx context.Context, after Cursor, limit int) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, author, ingredients, updated_at
		FROM recipes
		WHERE (updated_at, id) > ($1, $2)
		ORDER BY updated_at, id
		LIMIT $3`,
		after.At, after.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed recipes: %w", err)
	}

	docs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Document])
	if err != nil {
		return nil, fmt.Errorf("failed to read changed recipes: %w", err)
	}
	return docs, nil
}

// SaveWatermark upserts the cursor for index.
func (s *PgSource) SaveWatermark(ctx context.Context, index string, c Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_sync_state (index_name, watermark, last_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (index_name) DO UPDATE
		SET watermark = EXCLUDED.watermark, last_id = EXCLUDED.last_id, updated_at = now()`,
		index, c.At, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}
