package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lidarscope/control-plane/internal/models"
)

const ingestRunColumns = `id, company_id, scan_id, schema_version,
	input_fingerprint, status, error, created_at, finished_at`

func scanIngestRunRow(row pgx.Row) (*models.IngestRun, error) {
	var run models.IngestRun
	err := row.Scan(&run.ID, &run.CompanyID, &run.ScanID, &run.SchemaVersion,
		&run.InputFingerprint, &run.Status, &run.Error, &run.CreatedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FindIngestRun returns the most recent run matching the dedup key, or
// nil when none exists.
func (r *postgresCatalog) FindIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint string) (*models.IngestRun, error) {
	run, err := scanIngestRunRow(r.pool.QueryRow(ctx, `
		SELECT `+ingestRunColumns+`
		FROM core.ingest_runs
		WHERE company_id = $1 AND scan_id = $2 AND schema_version = $3 AND input_fingerprint = $4
		ORDER BY id DESC
		LIMIT 1
	`, companyID, scanID, schemaVersion, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find ingest run: %w", err)
	}
	return run, nil
}

// CreateIngestRun inserts a run and returns its id.
func (r *postgresCatalog) CreateIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint, status string) (int64, error) {
	if status == "" {
		status = models.RunQueued
	}
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO core.ingest_runs (company_id, scan_id, schema_version, input_fingerprint, status, error)
		VALUES ($1, $2, $3, $4, $5, '{}')
		RETURNING id
	`, companyID, scanID, schemaVersion, fingerprint, status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create ingest run: %w", err)
	}
	return id, nil
}

// GetIngestRun returns the run, or nil if it does not exist.
func (r *postgresCatalog) GetIngestRun(ctx context.Context, runID int64) (*models.IngestRun, error) {
	run, err := scanIngestRunRow(r.pool.QueryRow(ctx,
		`SELECT `+ingestRunColumns+` FROM core.ingest_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ingest run: %w", err)
	}
	return run, nil
}

// SetIngestRunStatus stamps a status and, optionally, the error payload
// and finished_at timestamp.
func (r *postgresCatalog) SetIngestRunStatus(ctx context.Context, runID int64, status string, errInfo map[string]any, setFinishedAt bool) error {
	var tag pgconn.CommandTag
	var err error
	switch {
	case errInfo != nil && setFinishedAt:
		tag, err = r.pool.Exec(ctx, `
			UPDATE core.ingest_runs SET status = $2, error = $3, finished_at = now() WHERE id = $1
		`, runID, status, errInfo)
	case errInfo != nil:
		tag, err = r.pool.Exec(ctx, `
			UPDATE core.ingest_runs SET status = $2, error = $3 WHERE id = $1
		`, runID, status, errInfo)
	case setFinishedAt:
		tag, err = r.pool.Exec(ctx, `
			UPDATE core.ingest_runs SET status = $2, finished_at = now() WHERE id = $1
		`, runID, status)
	default:
		tag, err = r.pool.Exec(ctx, `
			UPDATE core.ingest_runs SET status = $2 WHERE id = $1
		`, runID, status)
	}
	if err != nil {
		return fmt.Errorf("failed to set ingest run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingest run %d not found", runID)
	}
	return nil
}

// ClaimIngestRun atomically moves the run QUEUED→RUNNING. Exactly one of
// several racing claimers succeeds.
func (r *postgresCatalog) ClaimIngestRun(ctx context.Context, runID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE core.ingest_runs SET status = 'RUNNING' WHERE id = $1 AND status = 'QUEUED'
	`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim ingest run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListQueuedIngestRuns returns up to limit QUEUED runs, oldest first.
// Empty schemaVersion or companyID means no filter.
func (r *postgresCatalog) ListQueuedIngestRuns(ctx context.Context, schemaVersion, companyID string, limit int) ([]models.IngestRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ingestRunColumns+`
		FROM core.ingest_runs
		WHERE status = 'QUEUED'
		  AND ($1 = '' OR schema_version = $1)
		  AND ($2 = '' OR company_id = $2)
		ORDER BY id
		LIMIT $3
	`, schemaVersion, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued ingest runs: %w", err)
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		run, err := scanIngestRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingest run row: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
