package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agi-run/missionctl/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Sequence assignment is
// done inside a transaction that locks the case's counter row, keeping the
// per-case trail gapless under concurrent appenders.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL ledger store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Append adds a record, assigning the case's next sequence number.
func (s *PgStore) Append(ctx context.Context, record model.LedgerRecord) (model.LedgerRecord, error) {
	dataJSON, err := json.Marshal(record.Data)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("marshal record data: %w", err)
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_sequences (case_id, next_seq)
		VALUES ($1, 1)
		ON CONFLICT (case_id) DO UPDATE SET next_seq = ledger_sequences.next_seq + 1
		RETURNING next_seq`,
		record.CaseID,
	).Scan(&record.Seq)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("assign sequence: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_records (
			case_id, seq, node_id, kind, actor, cost_usd, latency_ms, data, ref_seq, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.CaseID, record.Seq, record.NodeID, record.Kind, record.Actor,
		record.CostUSD, record.LatencyMs, dataJSON, record.RefSeq, record.Timestamp,
	)
	if err != nil {
		return model.LedgerRecord{}, fmt.Errorf("insert ledger record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.LedgerRecord{}, fmt.Errorf("commit append: %w", err)
	}
	return record, nil
}

// Records retrieves a case's trail in sequence order.
func (s *PgStore) Records(ctx context.Context, caseID string, filters RecordFilters) ([]model.LedgerRecord, error) {
	query := `SELECT case_id, seq, node_id, kind, actor, cost_usd, latency_ms, data, ref_seq, created_at
	          FROM ledger_records
	          WHERE case_id = $1`
	args := []any{caseID}
	argIdx := 2

	if filters.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filters.Kind)
		argIdx++
	}
	if filters.NodeID != "" {
		query += fmt.Sprintf(" AND node_id = $%d", argIdx)
		args = append(args, filters.NodeID)
		argIdx++
	}
	if filters.AfterSeq > 0 {
		query += fmt.Sprintf(" AND seq > $%d", argIdx)
		args = append(args, filters.AfterSeq)
		argIdx++
	}

	query += " ORDER BY seq ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger records: %w", err)
	}
	defer rows.Close()

	var records []model.LedgerRecord
	for rows.Next() {
		var r model.LedgerRecord
		var dataJSON []byte
		if err := rows.Scan(
			&r.CaseID, &r.Seq, &r.NodeID, &r.Kind, &r.Actor,
			&r.CostUSD, &r.LatencyMs, &dataJSON, &r.RefSeq, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &r.Data)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendEvidence adds an evidence citation.
func (s *PgStore) AppendEvidence(ctx context.Context, evidence model.EvidenceRecord) error {
	diffJSON, err := json.Marshal(evidence.MaskDiff)
	if err != nil {
		return fmt.Errorf("marshal mask diff: %w", err)
	}
	if evidence.CapturedAt.IsZero() {
		evidence.CapturedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO evidence_records (
			id, case_id, node_id, source_ref, trust, mask_diff, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evidence.ID, evidence.CaseID, evidence.NodeID, evidence.SourceRef,
		evidence.Trust, diffJSON, evidence.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evidence record: %w", err)
	}
	return nil
}

// Evidence retrieves all evidence for a case in capture order.
func (s *PgStore) Evidence(ctx context.Context, caseID string) ([]model.EvidenceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, node_id, source_ref, trust, mask_diff, captured_at
		FROM evidence_records
		WHERE case_id = $1
		ORDER BY captured_at ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query evidence records: %w", err)
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		var e model.EvidenceRecord
		var diffJSON []byte
		if err := rows.Scan(
			&e.ID, &e.CaseID, &e.NodeID, &e.SourceRef, &e.Trust, &diffJSON, &e.CapturedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		if diffJSON != nil {
			_ = json.Unmarshal(diffJSON, &e.MaskDiff)
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

// EvidenceBadge summarizes a case's evidence.
func (s *PgStore) EvidenceBadge(ctx context.Context, caseID string) (model.EvidenceBadge, error) {
	var badge model.EvidenceBadge
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(trust), 0)
		FROM evidence_records
		WHERE case_id = $1`,
		caseID,
	).Scan(&badge.Count, &badge.TrustAvg)
	if err != nil && err != pgx.ErrNoRows {
		return model.EvidenceBadge{}, fmt.Errorf("query evidence badge: %w", err)
	}
	return badge, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
