package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/price-tracker/internal/types"
)

// -----------------------------------------------------------------------------
// URL Notification Methods
// -----------------------------------------------------------------------------

// ListURLNotifications returns rows with the given active flag ordered by url id.
func (db *DB) ListURLNotifications(ctx context.Context, isActive bool) ([]types.URLNotification, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, url_id, is_active FROM url_notifications
		 WHERE is_active = $1 ORDER BY url_id`,
		isActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list url notifications: %w", err)
	}
	defer rows.Close()

	var out []types.URLNotification
	for rows.Next() {
		var n types.URLNotification
		if err := rows.Scan(&n.ID, &n.URLID, &n.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan url notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetURLNotification returns the row for urlID, or nil.
func (db *DB) GetURLNotification(ctx context.Context, urlID int64) (*types.URLNotification, error) {
	var n types.URLNotification
	err := db.pool.QueryRow(ctx,
		`SELECT id, url_id, is_active FROM url_notifications WHERE url_id = $1`,
		urlID,
	).Scan(&n.ID, &n.URLID, &n.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get url notification: %w", err)
	}
	return &n, nil
}

// SaveURLNotifications inserts or updates rows keyed by url id.
func (db *DB) SaveURLNotifications(ctx context.Context, notis []types.URLNotification) error {
	batch := &pgx.Batch{}
	for _, n := range notis {
		batch.Queue(
			`INSERT INTO url_notifications (url_id, is_active) VALUES ($1, $2)
			 ON CONFLICT (url_id) DO UPDATE SET is_active = EXCLUDED.is_active, updated_at = clock_timestamp()`,
			n.URLID, n.IsActive,
		)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save url notifications: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// URL Update Parameter Methods
// -----------------------------------------------------------------------------

// GetURLUpdateParameter returns the override for urlID, or nil.
func (db *DB) GetURLUpdateParameter(ctx context.Context, urlID int64) (*types.URLUpdateParameter, error) {
	var (
		p       types.URLUpdateParameter
		options []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, url_id, sitename, options FROM url_update_parameters WHERE url_id = $1`,
		urlID,
	).Scan(&p.ID, &p.URLID, &p.Sitename, &options)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get url update parameter: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &p.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options for url %d: %w", urlID, err)
		}
	}
	return &p, nil
}

// SaveURLUpdateParameter inserts or replaces the override for param.URLID.
func (db *DB) SaveURLUpdateParameter(ctx context.Context, param types.URLUpdateParameter) error {
	options := param.Options
	if options == nil {
		options = map[string]any{}
	}
	optionBytes, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO url_update_parameters (url_id, sitename, options) VALUES ($1, $2, $3)
		 ON CONFLICT (url_id) DO UPDATE
		 SET sitename = EXCLUDED.sitename, options = EXCLUDED.options, updated_at = clock_timestamp()`,
		param.URLID, param.Sitename, optionBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to save url update parameter: %w", err)
	}
	return nil
}
