package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/pkg/account"
)

// Schema creates the accounts table read by Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_accounts (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	platform          TEXT NOT NULL,
	account_type      TEXT NOT NULL DEFAULT 'shared',
	priority          INTEGER NOT NULL DEFAULT 50,
	schedulable       BOOLEAN NOT NULL DEFAULT TRUE,
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	status            TEXT NOT NULL DEFAULT 'active',
	concurrency_limit INTEGER NOT NULL DEFAULT 0,
	expires_at        TIMESTAMPTZ,
	last_refresh_at   TIMESTAMPTZ,
	subscription      JSONB NOT NULL DEFAULT '{}',
	supported_models  TEXT[] NOT NULL DEFAULT '{}',
	custom_endpoint   TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	credentials       JSONB NOT NULL DEFAULT '{}',
	timeout_ms        BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS relay_accounts_platform_idx ON relay_accounts (platform);`

const selectColumns = `
	SELECT id, name, platform, account_type, priority, schedulable, is_active,
	       status, concurrency_limit, expires_at, last_refresh_at, subscription,
	       supported_models, custom_endpoint, region, credentials, timeout_ms
	FROM relay_accounts`

// PostgresConfig contains connection settings.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultPostgresConfig returns pool defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		ConnLifetime: 5 * time.Minute,
	}
}

// Postgres reads accounts from the relay_accounts table.
type Postgres struct {
	db *sql.DB
}

var (
	_ account.Directory = (*Postgres)(nil)
	_ account.Updater   = (*Postgres)(nil)
)

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the table when missing.
func (d *Postgres) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate accounts: %w", err)
	}
	return nil
}

// DBStats exposes pool statistics.
func (d *Postgres) DBStats() sql.DBStats {
	return d.db.Stats()
}

// Close closes the database.
func (d *Postgres) Close() error {
	return d.db.Close()
}

// ListAccounts implements account.Directory.
func (d *Postgres) ListAccounts(ctx context.Context, filter account.Filter) ([]*account.Account, error) {
	query := selectColumns
	var args []any
	if len(filter.Platforms) > 0 {
		names := make([]string, len(filter.Platforms))
		for i, p := range filter.Platforms {
			names[i] = string(p)
		}
		query += ` WHERE platform = ANY($1)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var result []*account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return result, nil
}

// GetAccount implements account.Directory.
func (d *Postgres) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	row := d.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// UpdateCredentials implements account.Updater.
func (d *Postgres) UpdateCredentials(ctx context.Context, id string, creds account.Credentials, expiresAt time.Time) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE relay_accounts
		SET credentials = $2, expires_at = $3, last_refresh_at = $4
		WHERE id = $1`,
		id, b, nullTime(expiresAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if n == 0 {
		return account.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*account.Account, error) {
	var (
		a                      account.Account
		platform, typ, status  string
		expiresAt, refreshedAt sql.NullTime
		subscription, creds    []byte
		models                 []string
		timeoutMS              int64
	)
	err := s.Scan(
		&a.ID, &a.Name, &platform, &typ, &a.Priority, &a.Schedulable, &a.Active,
		&status, &a.ConcurrencyLimit, &expiresAt, &refreshedAt, &subscription,
		pq.Array(&models), &a.CustomEndpoint, &a.Region, &creds, &timeoutMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Platform = account.Platform(platform)
	if p, ok := account.ParsePlatform(platform); ok {
		a.Platform = p
	}
	a.Type = account.Type(typ)
	a.Status = account.Status(status)
	if expiresAt.Valid {
		a.ExpiresAt = expiresAt.Time
	}
	if refreshedAt.Valid {
		a.LastRefreshAt = refreshedAt.Time
	}
	if len(models) > 0 {
		a.SupportedModels = models
	}
	a.Timeout = time.Duration(timeoutMS) * time.Millisecond

	if len(subscription) > 0 {
		if err := json.Unmarshal(subscription, &a.Subscription); err != nil {
			return nil, fmt.Errorf("account %s subscription: %w", a.ID, err)
		}
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &a.Credentials); err != nil {
			return nil, fmt.Errorf("account %s credentials: %w", a.ID, err)
		}
	}
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// StartPoolMetrics publishes pool statistics every interval until the
// returned stop function is called or ctx ends.
func (d *Postgres) StartPoolMetrics(ctx context.Context, interval time.Duration, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	metrics.UpdateDBPoolStats(d.DBStats())

	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBPoolStats(d.DBStats())
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			}
		}
	}()

	logger.Debug("directory pool metrics started", "interval", interval)
	return stop
}
