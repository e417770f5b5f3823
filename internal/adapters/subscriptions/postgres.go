package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/statuswatch/internal/adapters/channels"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	scope_kind  TEXT NOT NULL,
	scope_value TEXT NOT NULL,
	channels    TEXT[] NOT NULL DEFAULT '{}',
	min_tier    TEXT NOT NULL DEFAULT 'ordinary',
	top_only    BOOLEAN NOT NULL DEFAULT FALSE,
	quiet_start TEXT,
	quiet_end   TEXT,
	quiet_tz    TEXT
);
CREATE INDEX IF NOT EXISTS subscriptions_scope_idx ON subscriptions (scope_kind, scope_value);
CREATE TABLE IF NOT EXISTS user_contacts (
	user_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (user_id, channel)
);`

const (
	listSubscriptionsSQL = `SELECT id, user_id, channels, min_tier, top_only, quiet_start, quiet_end, quiet_tz
		FROM subscriptions WHERE scope_kind = $1 AND scope_value = $2 ORDER BY id`
	contactSQL = `SELECT address FROM user_contacts WHERE user_id = $1 AND channel = $2`
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
}

// PostgresStore reads subscriptions and contacts from Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// OpenPostgres connects, verifies the connection and creates the tables when
// they are missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLife > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLife
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if log == nil {
		log = logger.Get().Named("subscriptions-pg")
	}
	return &PostgresStore{pool: pool, logger: log}, nil
}

// subscriptionRow mirrors one subscriptions row.
type subscriptionRow struct {
	ID         string
	UserID     string
	Channels   []string
	MinTier    string
	TopOnly    bool
	QuietStart *string
	QuietEnd   *string
	QuietTZ    *string
}

func (r subscriptionRow) toModel(scope model.Scope) (model.Subscription, error) {
	spec := SubscriptionSpec{
		ID:       r.ID,
		Scope:    scope.Key(),
		Channels: r.Channels,
		MinTier:  r.MinTier,
		TopOnly:  r.TopOnly,
	}
	if r.QuietStart != nil || r.QuietEnd != nil {
		spec.QuietHours = &model.QuietHours{Start: deref(r.QuietStart), End: deref(r.QuietEnd), Timezone: deref(r.QuietTZ)}
	}
	return spec.toModel(r.UserID, 0)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ListSubscriptions implements resolver.SubscriptionSource.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, scope model.Scope) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx, listSubscriptionsSQL, string(scope.Kind), scope.Value)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var r subscriptionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Channels, &r.MinTier, &r.TopOnly, &r.QuietStart, &r.QuietEnd, &r.QuietTZ); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub, err := r.toModel(scope)
		if err != nil {
			s.logger.Warn(ctx, "skipping subscription row", logger.String("id", r.ID), logger.Error(err))
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Contact implements channels.Directory.
func (s *PostgresStore) Contact(ctx context.Context, userID string, ch model.Channel) (string, error) {
	var addr string
	err := s.pool.QueryRow(ctx, contactSQL, userID, string(ch)).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s on %s", channels.ErrNoContact, userID, ch)
	}
	if err != nil {
		return "", fmt.Errorf("contact lookup: %w", err)
	}
	return addr, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
