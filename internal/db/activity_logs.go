package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/types"
)

const activityLogColumns = `id, target_id, target_table, activity_type, current_state,
	caller_type, meta, error_msg, created_at, updated_at`

// InsertActivityLog stores a new row and fills its id and timestamps.
func (db *DB) InsertActivityLog(ctx context.Context, log *types.ActivityLog) error {
	meta, err := log.Meta.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode activity log meta: %w", err)
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO activity_logs (target_id, target_table, activity_type, current_state, caller_type, meta, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		log.TargetID, log.TargetTable, log.ActivityType, string(log.CurrentState), log.CallerType, meta, log.ErrorMsg,
	).Scan(&log.ID, &log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}
	log.CreatedAt = log.CreatedAt.UTC()
	log.UpdatedAt = log.UpdatedAt.UTC()
	return nil
}

// UpdateActivityLog writes state, meta and error message and refreshes
// updated_at. A missing row is a *activitylog.ConsistencyError.
func (db *DB) UpdateActivityLog(ctx context.Context, log *types.ActivityLog) error {
	meta, err := log.Meta.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode activity log meta: %w", err)
	}
	err = db.pool.QueryRow(ctx,
		`UPDATE activity_logs
		 SET current_state = $1, meta = $2, error_msg = $3, updated_at = clock_timestamp()
		 WHERE id = $4
		 RETURNING created_at, updated_at`,
		string(log.CurrentState), meta, log.ErrorMsg, log.ID,
	).Scan(&log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &activitylog.ConsistencyError{ID: log.ID, Message: "not found on update"}
		}
		return fmt.Errorf("failed to update activity log %d: %w", log.ID, err)
	}
	log.CreatedAt = log.CreatedAt.UTC()
	log.UpdatedAt = log.UpdatedAt.UTC()
	return nil
}

// GetActivityLog returns the row with id, or nil.
func (db *DB) GetActivityLog(ctx context.Context, id int64) (*types.ActivityLog, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+activityLogColumns+` FROM activity_logs WHERE id = $1`, id)
	log, err := scanActivityLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get activity log %d: %w", id, err)
	}
	return log, nil
}

// ListActivityLogs returns matching rows ordered by id.
func (db *DB) ListActivityLogs(ctx context.Context, filter types.ActivityLogFilter) ([]types.ActivityLog, error) {
	query, args := buildActivityLogQuery(filter)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity logs: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityLog
	for rows.Next() {
		log, err := scanActivityLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity log: %w", err)
		}
		out = append(out, *log)
	}
	return out, rows.Err()
}

// buildActivityLogQuery turns a filter into a parameterized SELECT.
func buildActivityLogQuery(filter types.ActivityLogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.ID != 0 {
		add("id = $%d", filter.ID)
	}
	if filter.TargetID != "" {
		add("target_id = $%d", filter.TargetID)
	}
	if filter.TargetTable != "" {
		add("target_table = $%d", filter.TargetTable)
	}
	if len(filter.ActivityTypes) > 0 {
		add("activity_type = ANY($%d)", filter.ActivityTypes)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		add("current_state = ANY($%d)", states)
	}
	if filter.CallerType != "" {
		add("caller_type = $%d", filter.CallerType)
	}
	if filter.IsError {
		conds = append(conds, "error_msg <> ''")
	}
	if filter.UpdatedAtStart != nil {
		add("updated_at >= $%d", *filter.UpdatedAtStart)
	}
	if filter.UpdatedAtEnd != nil {
		add("updated_at <= $%d", *filter.UpdatedAtEnd)
	}

	query := `SELECT ` + activityLogColumns + ` FROM activity_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.NewestFirst {
		query += " ORDER BY updated_at DESC, id DESC"
	} else {
		query += " ORDER BY id"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func scanActivityLog(row pgx.Row) (*types.ActivityLog, error) {
	var (
		log   types.ActivityLog
		state string
		meta  []byte
	)
	if err := row.Scan(&log.ID, &log.TargetID, &log.TargetTable, &log.ActivityType, &state,
		&log.CallerType, &meta, &log.ErrorMsg, &log.CreatedAt, &log.UpdatedAt); err != nil {
		return nil, err
	}
	log.CurrentState = types.ActivityState(state)
	log.Meta = &types.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, log.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode meta of activity log %d: %w", log.ID, err)
		}
	}
	log.CreatedAt = log.CreatedAt.UTC()
	log.UpdatedAt = log.UpdatedAt.UTC()
	return &log, nil
}
