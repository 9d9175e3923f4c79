package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/alexjbarnes/dash-sync/internal/docstore/migrations"
	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
)

const (
	userDataTable = "user_data"

	pgMaxOpenConns = 10
	pgMaxIdleConns = 4
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresBackend keeps records in the user_data table.
type PostgresBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to dsn, verifies the connection and applies the
// embedded migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to postgres")

	return newPostgresBackend(db, logger), nil
}

func newPostgresBackend(db *sql.DB, logger *slog.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		logger: logger.With(slog.String("component", "postgres")),
	}
}

// Put upserts rec.
func (p *PostgresBackend) Put(ctx context.Context, rec models.Record) error {
	query, args, err := psql.
		Insert(userDataTable).
		Columns("user_id", "data", "updated_at").
		Values(rec.UserID, string(rec.Data), rec.UpdatedAt).
		Suffix("ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return p.classify("upsert", err)
	}

	return nil
}

// Get returns the user's record.
func (p *PostgresBackend) Get(ctx context.Context, userID string) (*models.Record, error) {
	query, args, err := psql.
		Select("data", "updated_at").
		From(userDataTable).
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	var (
		data    []byte
		updated time.Time
	)

	err = p.db.QueryRowContext(ctx, query, args...).Scan(&data, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrRecordNotFound
	}

	if err != nil {
		return nil, p.classify("select", err)
	}

	return &models.Record{
		UserID:    userID,
		Data:      data,
		UpdatedAt: updated.UTC(),
	}, nil
}

// Close closes the connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// classify wraps err with errors.ErrUnavailable when retrying later could
// succeed, so the server can answer 503 instead of 500.
func (p *PostgresBackend) classify(op string, err error) error {
	if isRetryable(err) {
		p.logger.Warn("transient database error", slog.String("op", op), slog.String("error", err.Error()))
		return fmt.Errorf("%s: %w: %v", op, errors.ErrUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isRetryable(err error) bool {
	if stderrors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}

	switch pgErr.Code {
	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.TransactionRollback,
		pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.CannotConnectNow,
		pgerrcode.AdminShutdown,
		pgerrcode.TooManyConnections:
		return true
	}

	return false
}
