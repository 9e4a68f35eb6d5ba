package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shelfkey/server/internal/model"
)

type bookRepo struct {
	q querier
}

// GetByID retrieves a book including its content key, if provisioned
func (r *bookRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Book, error) {
	var b model.Book
	err := r.q.QueryRowContext(ctx, `
		SELECT id, title, author, cover_url, content_key, asset_sha256, chunk_count, chunk_size
		FROM books
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Title, &b.Author, &b.CoverURL, &b.ContentKey, &b.AssetSHA256, &b.ChunkCount, &b.ChunkSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Book{}, ErrNotFound
		}
		return model.Book{}, fmt.Errorf("query book: %w", err)
	}
	return b, nil
}

// SetContentKey stores a content key for a book that has none yet. If
// another transaction provisioned one first, ErrConflict is returned.
func (r *bookRepo) SetContentKey(ctx context.Context, id uuid.UUID, key []byte) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE books SET content_key = $2 WHERE id = $1 AND content_key IS NULL
	`, id, key)
	if err != nil {
		return fmt.Errorf("set content key: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return ErrConflict
	}
	return nil
}
