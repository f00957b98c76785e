package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/boardsync/internal/domain"
)

// BlobRepo is a domain.BlobStore over the board_blobs table.
type BlobRepo struct {
	pool *pgxpool.Pool
}

func NewBlobRepo(pool *pgxpool.Pool) *BlobRepo {
	return &BlobRepo{pool: pool}
}

func (r *BlobRepo) Put(ctx context.Context, key string, data []byte) (domain.BlobObject, error) {
	obj := domain.BlobObject{Key: key, URL: blobURL(key), Size: int64(len(data))}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO board_blobs (key, data, size)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size, uploaded_at = clock_timestamp()
		 RETURNING uploaded_at`,
		key, data, obj.Size,
	).Scan(&obj.UploadedAt)
	if err != nil {
		return domain.BlobObject{}, fmt.Errorf("blobRepo.Put: %w", err)
	}

	return obj, nil
}

func (r *BlobRepo) List(ctx context.Context, prefix string) ([]domain.BlobObject, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, size, uploaded_at
		 FROM board_blobs WHERE starts_with(key, $1)
		 ORDER BY uploaded_at DESC, key DESC
		 LIMIT 1000`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("blobRepo.List: %w", err)
	}
	defer rows.Close()

	var objs []domain.BlobObject
	for rows.Next() {
		var o domain.BlobObject
		if err := rows.Scan(&o.Key, &o.Size, &o.UploadedAt); err != nil {
			return nil, fmt.Errorf("blobRepo.List: scan: %w", err)
		}
		o.URL = blobURL(o.Key)
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blobRepo.List: rows: %w", err)
	}

	return objs, nil
}

func (r *BlobRepo) Fetch(ctx context.Context, obj domain.BlobObject) ([]byte, error) {
	var data []byte

	err := r.pool.QueryRow(ctx,
		`SELECT data FROM board_blobs WHERE key = $1`,
		obj.Key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("blobRepo.Fetch: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blobRepo.Fetch: %w", err)
	}

	return data, nil
}

func blobURL(key string) string {
	return "postgres:///board_blobs/" + key
}
