package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/pkg/ulid"
)

const scanColumns = `id, company_id, dataset_id, dataset_version_id, crs_id,
	status, schema_version, owner_department_id, meta, created_at, updated_at`

func scanScanRow(row pgx.Row) (*models.Scan, error) {
	var s models.Scan
	err := row.Scan(&s.ID, &s.CompanyID, &s.DatasetID, &s.DatasetVersionID, &s.CrsID,
		&s.Status, &s.SchemaVersion, &s.OwnerDepartmentID, &s.Meta, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateScan creates a scan inside the dataset version, inheriting the
// dataset's CRS. The version's owning dataset must belong to the company.
func (r *postgresCatalog) CreateScan(ctx context.Context, companyID, datasetVersionID string) (string, error) {
	scanID := ulid.New()

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var datasetID, datasetCompany, crsID string
		err := tx.QueryRow(ctx, `
			SELECT d.id, d.company_id, d.crs_id
			FROM core.dataset_versions dv
			JOIN core.datasets d ON d.id = dv.dataset_id
			WHERE dv.id = $1
		`, datasetVersionID).Scan(&datasetID, &datasetCompany, &crsID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Invariant("dataset version %s not found", datasetVersionID)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve dataset version: %w", err)
		}
		if datasetCompany != companyID {
			return apperrors.Invariant("dataset version %s does not belong to company %s", datasetVersionID, companyID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO core.scans (id, company_id, dataset_id, dataset_version_id, crs_id, status, schema_version, meta)
			VALUES ($1, $2, $3, $4, $5, 'CREATED', $6, '{}')
		`, scanID, companyID, datasetID, datasetVersionID, crsID, DefaultScanSchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to insert scan: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return scanID, nil
}

// GetScan returns the scan, or nil if it does not exist.
func (r *postgresCatalog) GetScan(ctx context.Context, scanID string) (*models.Scan, error) {
	s, err := scanScanRow(r.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM core.scans WHERE id = $1`, scanID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return s, nil
}

// GetScanBundle returns the scan together with its raw artifacts keyed
// by kind.
func (r *postgresCatalog) GetScanBundle(ctx context.Context, scanID string) (*models.ScanBundle, error) {
	scan, err := r.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Invariant("scan %s not found", scanID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM core.artifacts
		WHERE scan_id = $1 AND schema_version IS NULL
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw artifacts: %w", err)
	}
	defer rows.Close()

	bundle := &models.ScanBundle{Scan: *scan, Raw: map[string]models.Artifact{}}
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		bundle.Raw[a.Kind] = *a
	}
	return bundle, rows.Err()
}

// ListScansByDatasetVersion returns every scan inside the version.
func (r *postgresCatalog) ListScansByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.Scan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM core.scans WHERE dataset_version_id = $1 ORDER BY id`, datasetVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var scans []models.Scan
	for rows.Next() {
		s, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scans = append(scans, *s)
	}
	return scans, rows.Err()
}
