package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/price-tracker/internal/types"
)

// -----------------------------------------------------------------------------
// URL Methods
// -----------------------------------------------------------------------------

// GetURL returns the URL with id, or nil.
func (db *DB) GetURL(ctx context.Context, id int64) (*types.URL, error) {
	var u types.URL
	err := db.pool.QueryRow(ctx, `SELECT id, url FROM urls WHERE id = $1`, id).Scan(&u.ID, &u.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get url %d: %w", id, err)
	}
	return &u, nil
}

// GetURLByString returns the URL row for rawURL, or nil.
func (db *DB) GetURLByString(ctx context.Context, rawURL string) (*types.URL, error) {
	var u types.URL
	err := db.pool.QueryRow(ctx, `SELECT id, url FROM urls WHERE url = $1`, rawURL).Scan(&u.ID, &u.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get url by string: %w", err)
	}
	return &u, nil
}

// ListURLs returns every URL ordered by id.
func (db *DB) ListURLs(ctx context.Context) ([]types.URL, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, url FROM urls ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	defer rows.Close()

	var out []types.URL
	for rows.Next() {
		var u types.URL
		if err := rows.Scan(&u.ID, &u.URL); err != nil {
			return nil, fmt.Errorf("failed to scan url: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveURLs inserts URLs that do not exist yet and returns every row with its id.
func (db *DB) SaveURLs(ctx context.Context, urls []types.URL) ([]types.URL, error) {
	out := make([]types.URL, 0, len(urls))
	for _, u := range urls {
		id, err := upsertURL(ctx, db.pool, u.URL)
		if err != nil {
			return nil, err
		}
		out = append(out, types.URL{ID: id, URL: u.URL})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Natural key upserts
// -----------------------------------------------------------------------------

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertURL returns the id of rawURL, inserting it when missing.
func upsertURL(ctx context.Context, q querier, rawURL string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO urls (url) VALUES ($1)
		 ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		 RETURNING id`,
		rawURL,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert url %s: %w", rawURL, err)
	}
	return id, nil
}

// upsertShop returns the id of name, inserting it when missing.
func upsertShop(ctx context.Context, q querier, name string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO shops (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert shop %s: %w", name, err)
	}
	return id, nil
}
