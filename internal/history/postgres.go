package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS split_jobs (
	id            TEXT PRIMARY KEY,
	created_at    TIMESTAMPTZ NOT NULL,
	input_path    TEXT NOT NULL,
	output_dir    TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	params        JSONB NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   BIGINT,
	output_count  INTEGER,
	error_message TEXT,
	output_sample JSONB
);
CREATE INDEX IF NOT EXISTS split_jobs_created_at_idx ON split_jobs (created_at DESC);
`

const selectColumns = `id, created_at, input_path, output_dir, strategy, params, status,
	duration_ms, output_count, error_message, output_sample`

// PostgresStore keeps history in a single table. Each method is one statement
// (or one short transaction) on a pooled connection.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) AddJob(ctx context.Context, rec *models.HistoryRecord) (string, error) {
	out, err := prepareNew(rec, uuid.New().String(), s.now())
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(out.Params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %w", err)
	}
	var sample []byte
	if out.OutputSample != nil {
		if sample, err = json.Marshal(out.OutputSample); err != nil {
			return "", fmt.Errorf("failed to marshal output sample: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO split_jobs (
			id, created_at, input_path, output_dir, strategy, params, status,
			duration_ms, output_count, error_message, output_sample
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		out.ID, out.CreatedAt, out.InputPath, out.OutputDir, out.Strategy.String(), params,
		string(out.Status), out.DurationMs, out.OutputCount, out.ErrorMessage, sample,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert history record: %w", err)
	}
	return out.ID, nil
}

// UpdateJob guards status changes in the WHERE clause, so two writers racing
// on the same job can never move it backwards.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	var sets []string
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *update.Status)
		}
		add("status", string(*update.Status))
	}
	if update.DurationMs != nil {
		add("duration_ms", *update.DurationMs)
	}
	if update.OutputCount != nil {
		add("output_count", *update.OutputCount)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.OutputSample != nil {
		sample, err := json.Marshal(update.OutputSample)
		if err != nil {
			return fmt.Errorf("failed to marshal output sample: %w", err)
		}
		add("output_sample", sample)
	}

	query := "UPDATE split_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if update.Status != nil {
		var allowed []string
		for _, st := range models.Predecessors(*update.Status) {
			allowed = append(allowed, string(st))
		}
		args = append(args, allowed)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update history record %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, "SELECT status FROM split_jobs WHERE id = $1", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read history record %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *update.Status)
}

func (s *PostgresStore) ListJobs(ctx context.Context, q ListQuery) ([]*models.HistoryRecord, error) {
	q = q.Normalize()
	whereClause := "WHERE 1=1"
	var args []any
	if q.Status != "" {
		args = append(args, string(q.Status))
		whereClause += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		whereClause += fmt.Sprintf(` AND (input_path ILIKE $%d ESCAPE '\' OR output_dir ILIKE $%d ESCAPE '\')`, len(args), len(args))
	}
	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s FROM split_jobs %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		selectColumns, whereClause, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history records: %w", err)
	}
	defer rows.Close()

	records := []*models.HistoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM split_jobs WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM split_jobs"); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*models.HistoryRecord, error) {
	var (
		rec         models.HistoryRecord
		strategy    string
		status      string
		paramsJSON  []byte
		sampleJSON  []byte
		outputCount *int32
	)
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.InputPath, &rec.OutputDir, &strategy, &paramsJSON,
		&status, &rec.DurationMs, &outputCount, &rec.ErrorMessage, &sampleJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history record: %w", err)
	}
	if rec.Strategy, err = models.ParseStrategy(strategy); err != nil {
		return nil, fmt.Errorf("history record %s: %w", rec.ID, err)
	}
	rec.Status = models.JobStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if outputCount != nil {
		n := int(*outputCount)
		rec.OutputCount = &n
	}
	if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of %s: %w", rec.ID, err)
	}
	if len(sampleJSON) > 0 {
		if err := json.Unmarshal(sampleJSON, &rec.OutputSample); err != nil {
			return nil, fmt.Errorf("failed to decode output sample of %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
