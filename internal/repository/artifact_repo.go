package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

const artifactColumns = `id, company_id, scan_id, kind, schema_version,
	s3_bucket, s3_key, etag, size_bytes, status, meta, created_at`

func scanArtifactRow(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(&a.ID, &a.CompanyID, &a.ScanID, &a.Kind, &a.SchemaVersion,
		&a.S3Bucket, &a.S3Key, &a.ETag, &a.SizeBytes, &a.Status, &a.Meta, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// checkScanOwnership verifies the scan exists and belongs to the company.
func checkScanOwnership(ctx context.Context, tx pgx.Tx, scanID, companyID string) error {
	var owner string
	err := tx.QueryRow(ctx, `SELECT company_id FROM core.scans WHERE id = $1`, scanID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Invariant("scan %s not found", scanID)
	}
	if err != nil {
		return fmt.Errorf("failed to check scan: %w", err)
	}
	if owner != companyID {
		return apperrors.Invariant("scan %s does not belong to company %s", scanID, companyID)
	}
	return nil
}

// RegisterRawArtifact inserts a raw artifact (schema_version NULL).
// A scan holds at most one raw artifact per kind; a second insert of the
// same kind fails.
func (r *postgresCatalog) RegisterRawArtifact(ctx context.Context, p RegisterArtifactParams) error {
	status := p.Status
	if status == "" {
		status = models.ArtifactAvailable
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if err := checkScanOwnership(ctx, tx, p.ScanID, p.CompanyID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO core.artifacts (company_id, scan_id, kind, schema_version, s3_bucket, s3_key, etag, size_bytes, status, meta)
			VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, $9)
		`, p.CompanyID, p.ScanID, p.Kind, p.Bucket, p.Key, p.ETag, p.SizeBytes, status, meta)
		if err != nil {
			return fmt.Errorf("failed to insert raw artifact: %w", err)
		}
		return nil
	})
	return mapArtifactConflict(err, p)
}

// mapArtifactConflict translates the unique-index violation on
// (scan, kind) into the invariant error callers test for. The index
// enforces the at-most-one rule even under concurrent registration.
func mapArtifactConflict(err error, p RegisterArtifactParams) error {
	if !isUniqueViolation(err) {
		return err
	}
	if p.SchemaVersion != nil {
		return apperrors.Invariant("scan %s already has a %s artifact at schema version %s",
			p.ScanID, p.Kind, *p.SchemaVersion)
	}
	return apperrors.Invariant("scan %s already has a raw artifact of kind %s", p.ScanID, p.Kind)
}

// RegisterArtifact inserts a derived artifact. SchemaVersion is required.
func (r *postgresCatalog) RegisterArtifact(ctx context.Context, p RegisterArtifactParams) error {
	if p.SchemaVersion == nil || *p.SchemaVersion == "" {
		return apperrors.Validation("schema version must be provided for derived artifacts")
	}
	status := p.Status
	if status == "" {
		status = models.ArtifactAvailable
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if err := checkScanOwnership(ctx, tx, p.ScanID, p.CompanyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO core.artifacts (company_id, scan_id, kind, schema_version, s3_bucket, s3_key, etag, size_bytes, status, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, p.CompanyID, p.ScanID, p.Kind, p.SchemaVersion, p.Bucket, p.Key, p.ETag, p.SizeBytes, status, meta)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}
		return nil
	})
	return mapArtifactConflict(err, p)
}

// UpsertDerivedArtifact overwrites the row keyed by
// (scan_id, kind, schema_version), inserting it when absent. The
// conflict target is the partial unique index on derived rows, so
// concurrent upserts of the same triple serialize instead of racing
// an update-then-insert pair.
func (r *postgresCatalog) UpsertDerivedArtifact(ctx context.Context, p RegisterArtifactParams) error {
	if p.SchemaVersion == nil || *p.SchemaVersion == "" {
		return apperrors.Validation("schema version must be provided for derived artifacts")
	}
	status := p.Status
	if status == "" {
		status = models.ArtifactReady
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO core.artifacts (company_id, scan_id, kind, schema_version, s3_bucket, s3_key, etag, size_bytes, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scan_id, kind, schema_version) WHERE schema_version IS NOT NULL
		DO UPDATE SET
			s3_bucket  = EXCLUDED.s3_bucket,
			s3_key     = EXCLUDED.s3_key,
			etag       = EXCLUDED.etag,
			size_bytes = EXCLUDED.size_bytes,
			status     = EXCLUDED.status,
			meta       = EXCLUDED.meta
	`, p.CompanyID, p.ScanID, p.Kind, p.SchemaVersion, p.Bucket, p.Key, p.ETag, p.SizeBytes, status, meta)
	if err != nil {
		return fmt.Errorf("failed to upsert derived artifact: %w", err)
	}
	return nil
}

// FindDerivedArtifact returns the latest derived row for the triple, or
// nil when there is none.
func (r *postgresCatalog) FindDerivedArtifact(ctx context.Context, scanID, kind, schemaVersion string) (*models.Artifact, error) {
	a, err := scanArtifactRow(r.pool.QueryRow(ctx, `
		SELECT `+artifactColumns+`
		FROM core.artifacts
		WHERE scan_id = $1 AND kind = $2 AND schema_version = $3
		ORDER BY id DESC
		LIMIT 1
	`, scanID, kind, schemaVersion))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find derived artifact: %w", err)
	}
	return a, nil
}

// ListRawArtifacts returns the AVAILABLE raw artifacts of the scan.
func (r *postgresCatalog) ListRawArtifacts(ctx context.Context, scanID string) ([]models.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM core.artifacts
		WHERE scan_id = $1 AND schema_version IS NULL AND status = 'AVAILABLE'
		ORDER BY id
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw artifacts: %w", err)
	}
	defer rows.Close()

	return collectArtifacts(rows)
}

// ListPendingArtifacts returns up to limit PENDING rows of the kind,
// oldest first. Used by the reconciler.
func (r *postgresCatalog) ListPendingArtifacts(ctx context.Context, kind string, limit int) ([]models.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM core.artifacts
		WHERE kind = $1 AND status = 'PENDING'
		ORDER BY id
		LIMIT $2
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending artifacts: %w", err)
	}
	defer rows.Close()

	return collectArtifacts(rows)
}

func collectArtifacts(rows pgx.Rows) ([]models.Artifact, error) {
	var arts []models.Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		arts = append(arts, *a)
	}
	return arts, rows.Err()
}

// UpdateArtifactStatus sets the status and, when supplied, the etag and
// size of an artifact row.
func (r *postgresCatalog) UpdateArtifactStatus(ctx context.Context, artifactID int64, status string, etag *string, sizeBytes *int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE core.artifacts
		SET status = $2,
		    etag = COALESCE($3, etag),
		    size_bytes = COALESCE($4, size_bytes)
		WHERE id = $1
	`, artifactID, status, etag, sizeBytes)
	if err != nil {
		return fmt.Errorf("failed to update artifact status: %w", err)
	}
	return nil
}

// fingerprintItem carries the projected fields, json keys in sorted order.
type fingerprintItem struct {
	Bucket    string  `json:"bucket"`
	ETag      *string `json:"etag"`
	Key       string  `json:"key"`
	Kind      string  `json:"kind"`
	SizeBytes *int64  `json:"size_bytes"`
}

// FingerprintRawInputs hashes the raw-artifact set of a scan. The hash
// depends only on (kind, bucket, key, etag, size_bytes) and not on row
// order.
func FingerprintRawInputs(arts []models.Artifact) string {
	items := make([]fingerprintItem, 0, len(arts))
	for _, a := range arts {
		items = append(items, fingerprintItem{
			Bucket:    a.S3Bucket,
			ETag:      a.ETag,
			Key:       a.S3Key,
			Kind:      a.Kind,
			SizeBytes: a.SizeBytes,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		return a.Key < b.Key
	})

	payload, _ := json.Marshal(items)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ComputeFingerprint hashes the current AVAILABLE raw artifacts of the scan.
func (r *postgresCatalog) ComputeFingerprint(ctx context.Context, scanID string) (string, error) {
	arts, err := r.ListRawArtifacts(ctx, scanID)
	if err != nil {
		return "", err
	}
	return FingerprintRawInputs(arts), nil
}
