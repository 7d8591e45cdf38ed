package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AppOptions is the effective configuration for one registered application.
// The router memoizes these per shard; changes take effect on restart.
type AppOptions struct {
	AppID     string
	Name      string
	MaxCalls  int // per-application admission limit, 0 disables
	UserAgent string
	Enabled   bool
}

// ApplicationRepository provides access to the application directory.
type ApplicationRepository struct {
	db *DB
}

// NewApplicationRepository creates a repository for application records.
func NewApplicationRepository(db *DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// GetAppOptions returns the options for the given application id.
// Disabled applications are treated as absent. Returns ErrNotFound when no
// enabled application exists under the id.
func (r *ApplicationRepository) GetAppOptions(ctx context.Context, appID string) (AppOptions, error) {
	var opts AppOptions
	var enabled int

	err := r.db.QueryRowContext(ctx,
		`SELECT app_id, name, max_calls, user_agent, enabled
		 FROM applications WHERE app_id = ? AND enabled = 1`,
		appID,
	).Scan(&opts.AppID, &opts.Name, &opts.MaxCalls, &opts.UserAgent, &enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AppOptions{}, ErrNotFound
		}
		return AppOptions{}, fmt.Errorf("querying application %q: %w", appID, err)
	}

	opts.Enabled = enabled != 0
	return opts, nil
}

// Upsert inserts or updates an application record.
func (r *ApplicationRepository) Upsert(ctx context.Context, opts AppOptions) error {
	enabled := 0
	if opts.Enabled {
		enabled = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (app_id, name, max_calls, user_agent, enabled)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(app_id) DO UPDATE SET
		   name = excluded.name,
		   max_calls = excluded.max_calls,
		   user_agent = excluded.user_agent,
		   enabled = excluded.enabled,
		   updated_at = datetime('now')`,
		opts.AppID, opts.Name, opts.MaxCalls, opts.UserAgent, enabled,
	)
	if err != nil {
		return fmt.Errorf("upserting application %q: %w", opts.AppID, err)
	}
	return nil
}

// List returns all application records, enabled or not.
func (r *ApplicationRepository) List(ctx context.Context) ([]AppOptions, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT app_id, name, max_calls, user_agent, enabled FROM applications ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	defer rows.Close()

	var apps []AppOptions
	for rows.Next() {
		var opts AppOptions
		var enabled int
		if err := rows.Scan(&opts.AppID, &opts.Name, &opts.MaxCalls, &opts.UserAgent, &enabled); err != nil {
			return nil, fmt.Errorf("scanning application row: %w", err)
		}
		opts.Enabled = enabled != 0
		apps = append(apps, opts)
	}
	return apps, rows.Err()
}

// Delete removes an application record. Missing rows are not an error.
func (r *ApplicationRepository) Delete(ctx context.Context, appID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM applications WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("deleting application %q: %w", appID, err)
	}
	return nil
}
