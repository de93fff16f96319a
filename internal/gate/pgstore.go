package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agi-run/missionctl/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Exactly-once resolution
// rides on a conditional UPDATE against the Waiting status.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create persists a new approval request.
func (s *PgStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	snapshotJSON, err := json.Marshal(req.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			id, case_id, definition_id, node_id, type, requested_by, priority, runbook_version,
			snapshot, evidence_count, evidence_trust_avg,
			risk_pii, risk_brand, risk_legal, risk_cost_usd, risk_sla_ms,
			deadline, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19
		)`,
		req.ID, req.CaseID, req.DefinitionID, req.NodeID, req.Type, req.RequestedBy, req.Priority, req.RunbookVersion,
		snapshotJSON, req.Evidence.Count, req.Evidence.TrustAvg,
		req.Risk.PII, req.Risk.Brand, req.Risk.Legal, req.Risk.CostUSD, req.Risk.SLAMs,
		req.Deadline, req.Status, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves an approval request by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, selectApprovals+` WHERE id = $1`, id)
	req, err := scanApproval(row)
	if err == pgx.ErrNoRows {
		return model.ApprovalRequest{}, model.NewNotFoundError(fmt.Sprintf("approval request %q not found", id))
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Resolve transitions a Waiting request to a terminal status, exactly once.
func (s *PgStore) Resolve(ctx context.Context, id, status, resolvedBy, comment string, at time.Time) (model.ApprovalRequest, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET
			status = $1, resolved_by = $2, comment = $3, resolved_at = $4
		WHERE id = $5 AND status = $6`,
		status, resolvedBy, comment, at, id, model.ApprovalStatusWaiting,
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("resolve approval request: %w", err)
	}

	req, getErr := s.Get(ctx, id)
	if getErr != nil {
		return model.ApprovalRequest{}, getErr
	}

	if tag.RowsAffected() == 0 {
		return req, model.NewAlreadyResolvedError(
			fmt.Sprintf("approval request %q was already %s by %s", id, req.Status, req.ResolvedBy))
	}
	return req, nil
}

// List returns requests matching the filters, oldest deadline first.
func (s *PgStore) List(ctx context.Context, filters model.ApprovalFilters) ([]model.ApprovalRequest, error) {
	query := selectApprovals + ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.CaseID != "" {
		query += fmt.Sprintf(" AND case_id = $%d", argIdx)
		args = append(args, filters.CaseID)
	}

	query += " ORDER BY deadline ASC"
	return s.queryApprovals(ctx, query, args...)
}

// FindExpired returns Waiting requests whose deadline is before cutoff.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.ApprovalRequest, error) {
	query := selectApprovals + ` WHERE status = $1 AND deadline < $2 ORDER BY deadline ASC`
	return s.queryApprovals(ctx, query, model.ApprovalStatusWaiting, cutoff)
}

const selectApprovals = `
	SELECT id, case_id, definition_id, node_id, type, requested_by, priority, runbook_version,
	       snapshot, evidence_count, evidence_trust_avg,
	       risk_pii, risk_brand, risk_legal, risk_cost_usd, risk_sla_ms,
	       deadline, status, resolved_by, comment, created_at, resolved_at
	FROM approval_requests`

func (s *PgStore) queryApprovals(ctx context.Context, query string, args ...any) ([]model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var requests []model.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	var snapshotJSON []byte

	err := row.Scan(
		&req.ID, &req.CaseID, &req.DefinitionID, &req.NodeID, &req.Type, &req.RequestedBy, &req.Priority, &req.RunbookVersion,
		&snapshotJSON, &req.Evidence.Count, &req.Evidence.TrustAvg,
		&req.Risk.PII, &req.Risk.Brand, &req.Risk.Legal, &req.Risk.CostUSD, &req.Risk.SLAMs,
		&req.Deadline, &req.Status, &req.ResolvedBy, &req.Comment, &req.CreatedAt, &req.ResolvedAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if snapshotJSON != nil {
		_ = json.Unmarshal(snapshotJSON, &req.Snapshot)
	}
	return req, nil
}
