package casestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agi-run/missionctl/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Node runs and workspace
// state are stored as JSONB; version checks ride on the UPDATE predicate.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL case store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create persists a new case.
func (s *PgStore) Create(ctx context.Context, c model.Case) error {
	nodesJSON, stateJSON, metricsJSON, err := marshalCase(c)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cases (
			id, definition_id, definition_version, trigger_ref, status,
			nodes, state, metrics, failure_reason, version,
			created_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.DefinitionID, c.DefinitionVersion, c.Trigger, c.Status,
		nodesJSON, stateJSON, metricsJSON, c.FailureReason, c.Version,
		c.CreatedAt, c.StartedAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// Get retrieves a case by ID.
func (s *PgStore) Get(ctx context.Context, caseID string) (model.Case, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, definition_id, definition_version, trigger_ref, status,
		       nodes, state, metrics, failure_reason, version,
		       created_at, started_at, completed_at
		FROM cases
		WHERE id = $1`,
		caseID,
	)

	c, err := scanCase(row)
	if err == pgx.ErrNoRows {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

// Update persists a case with optimistic locking.
func (s *PgStore) Update(ctx context.Context, c model.Case) error {
	nodesJSON, stateJSON, metricsJSON, err := marshalCase(c)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE cases SET
			status = $1,
			nodes = $2,
			state = $3,
			metrics = $4,
			failure_reason = $5,
			version = $6,
			updated_at = $7,
			started_at = $8,
			completed_at = $9
		WHERE id = $10 AND version = $11`,
		c.Status, nodesJSON, stateJSON, metricsJSON, c.FailureReason,
		c.Version+1, time.Now().UTC(), c.StartedAt, c.CompletedAt,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("case %q version conflict (expected %d)", c.ID, c.Version))
	}
	return nil
}

// List returns case summaries matching the filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.CaseFilters) ([]model.CaseSummary, error) {
	query := `SELECT id, definition_id, definition_version, trigger_ref, status,
	                 nodes, state, metrics, failure_reason, version,
	                 created_at, started_at, completed_at
	          FROM cases
	          WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	size := filters.PageSize
	if size <= 0 {
		size = 50
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, size, (page-1)*size)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var summaries []model.CaseSummary
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		summaries = append(summaries, summarize(c))
	}
	return summaries, rows.Err()
}

// FindByStatus returns full cases in the given status, oldest first.
func (s *PgStore) FindByStatus(ctx context.Context, status string) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, definition_id, definition_version, trigger_ref, status,
		       nodes, state, metrics, failure_reason, version,
		       created_at, started_at, completed_at
		FROM cases
		WHERE status = $1
		ORDER BY created_at ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("query cases by status: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalCase(c model.Case) (nodes, state, metrics []byte, err error) {
	if nodes, err = json.Marshal(c.Nodes); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal nodes: %w", err)
	}
	if state, err = json.Marshal(c.State); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal state: %w", err)
	}
	if metrics, err = json.Marshal(c.Metrics); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return nodes, state, metrics, nil
}

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	var nodesJSON, stateJSON, metricsJSON []byte

	err := row.Scan(
		&c.ID, &c.DefinitionID, &c.DefinitionVersion, &c.Trigger, &c.Status,
		&nodesJSON, &stateJSON, &metricsJSON, &c.FailureReason, &c.Version,
		&c.CreatedAt, &c.StartedAt, &c.CompletedAt,
	)
	if err != nil {
		return model.Case{}, err
	}

	if nodesJSON != nil {
		if err := json.Unmarshal(nodesJSON, &c.Nodes); err != nil {
			return model.Case{}, fmt.Errorf("unmarshal nodes: %w", err)
		}
	}
	if stateJSON != nil {
		_ = json.Unmarshal(stateJSON, &c.State)
	}
	if metricsJSON != nil {
		_ = json.Unmarshal(metricsJSON, &c.Metrics)
	}
	return c, nil
}
