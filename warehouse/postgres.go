package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/urbanpulse/ingestion/domain/entity"
	"github.com/urbanpulse/ingestion/pkg/logging"
)

// PostgresConfig contains warehouse connection configuration.
type PostgresConfig struct {
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`

	CircuitBreaker BreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// BreakerConfig contains circuit breaker settings for the warehouse.
type BreakerConfig struct {
	MaxRequests      uint32        `json:"max_requests" mapstructure:"max_requests"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureThreshold uint32        `json:"failure_threshold" mapstructure:"failure_threshold"`
}

// AuthError wraps an authorization failure from the warehouse. Fatal:
// no retry, no degraded-mode continuation.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string   { return fmt.Sprintf("warehouse authorization: %v", e.Err) }
func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) Permanent() bool { return true }

// Postgres implements Warehouse over sqlx/lib-pq with a circuit
// breaker in front of every call.
type Postgres struct {
	db     *sqlx.DB
	cb     *gobreaker.CircuitBreaker
	logger *logging.Logger
}

// NewPostgres connects to the warehouse and verifies the connection.
func NewPostgres(cfg PostgresConfig, logger *logging.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, classify(fmt.Errorf("connect warehouse: %w", err))
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "warehouse-postgres",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Interval:    cfg.CircuitBreaker.Interval,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Postgres{db: db, cb: cb, logger: logger}, nil
}

// LoadReplace creates the table if needed, truncates it and bulk-loads
// the records with COPY, all in one transaction.
func (p *Postgres) LoadReplace(ctx context.Context, table string, schema Schema, records []entity.CanonicalRecord) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.loadReplace(ctx, table, schema, records)
	})
	return err
}

func (p *Postgres) loadReplace(ctx context.Context, table string, schema Schema, records []entity.CanonicalRecord) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin load of %s: %w", table, err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, createTableStmt(table, schema)); err != nil {
		return classify(fmt.Errorf("ensure table %s: %w", table, err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", pq.QuoteIdentifier(table))); err != nil {
		return classify(fmt.Errorf("truncate %s: %w", table, err))
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, schema.ColumnNames()...))
	if err != nil {
		return classify(fmt.Errorf("prepare copy into %s: %w", table, err))
	}
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, schema.Row(rec)...); err != nil {
			stmt.Close() //nolint:errcheck
			return classify(fmt.Errorf("copy row into %s: %w", table, err))
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close() //nolint:errcheck
		return classify(fmt.Errorf("flush copy into %s: %w", table, err))
	}
	if err := stmt.Close(); err != nil {
		return classify(fmt.Errorf("close copy into %s: %w", table, err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit load of %s: %w", table, err))
	}

	p.logger.Info("table replaced",
		zap.String("table", table),
		zap.Int("records", len(records)))
	return nil
}

// MergeShard materializes the anti-join merge into a scratch table and
// swaps it in as the historical table, all in one transaction. The
// historical table is created empty first if this is the first merge.
func (p *Postgres) MergeShard(ctx context.Context, shardTable, historicalTable string, schema Schema) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.mergeShard(ctx, shardTable, historicalTable, schema)
	})
	return err
}

func (p *Postgres) mergeShard(ctx context.Context, shardTable, historicalTable string, schema Schema) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin merge into %s: %w", historicalTable, err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, createTableStmt(historicalTable, schema)); err != nil {
		return classify(fmt.Errorf("ensure table %s: %w", historicalTable, err))
	}

	scratch := historicalTable + "_merge"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(scratch))); err != nil {
		return classify(fmt.Errorf("drop scratch %s: %w", scratch, err))
	}
	if _, err := tx.ExecContext(ctx, BuildMergeQuery(scratch, shardTable, historicalTable, schema)); err != nil {
		return classify(fmt.Errorf("merge %s into %s: %w", shardTable, historicalTable, err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", pq.QuoteIdentifier(historicalTable))); err != nil {
		return classify(fmt.Errorf("replace %s: %w", historicalTable, err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		pq.QuoteIdentifier(scratch), pq.QuoteIdentifier(historicalTable))); err != nil {
		return classify(fmt.Errorf("rename %s: %w", scratch, err))
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit merge into %s: %w", historicalTable, err))
	}

	p.logger.Info("historical store merged",
		zap.String("shard", shardTable),
		zap.String("historical", historicalTable))
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// BuildMergeQuery renders the replace-then-merge-by-key statement: the
// shard wins every (location, timestamp) key it claims; historical
// records keep only the keys the shard does not.
func BuildMergeQuery(target, shardTable, historicalTable string, schema Schema) string {
	cols := make([]string, 0, len(schema.ColumnNames()))
	histCols := make([]string, 0, len(schema.ColumnNames()))
	for _, name := range schema.ColumnNames() {
		cols = append(cols, pq.QuoteIdentifier(name))
		histCols = append(histCols, "h."+pq.QuoteIdentifier(name))
	}

	return fmt.Sprintf(`CREATE TABLE %s AS
SELECT %s FROM %s
UNION ALL
SELECT %s FROM %s h
LEFT JOIN %s s ON h.location = s.location AND h."timestamp" = s."timestamp"
WHERE s."timestamp" IS NULL`,
		pq.QuoteIdentifier(target),
		strings.Join(cols, ", "),
		pq.QuoteIdentifier(shardTable),
		strings.Join(histCols, ", "),
		pq.QuoteIdentifier(historicalTable),
		pq.QuoteIdentifier(shardTable))
}

func createTableStmt(table string, schema Schema) string {
	cols := []string{
		`"location" TEXT NOT NULL`,
		`"entity_id" TEXT NOT NULL`,
		`"timestamp" TIMESTAMPTZ NOT NULL`,
	}
	for _, m := range schema.Metrics {
		typ := m.Type
		if typ == "" {
			typ = "DOUBLE PRECISION"
		}
		cols = append(cols, fmt.Sprintf("%s %s", pq.QuoteIdentifier(m.Name), typ))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pq.QuoteIdentifier(table), strings.Join(cols, ", "))
}

// classify maps pq error classes onto the run's error taxonomy:
// authentication and privilege failures are fatal, everything else is
// left transient for the stage retry policy.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28", "42":
			// invalid_authorization_specification, access/syntax
			return &AuthError{Err: err}
		}
	}
	return err
}
