package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lidarscope/control-plane/internal/models"
)

// AddScanEdges bulk-upserts registration edges keyed by
// (dataset_version_id, from, to, kind). On conflict the larger weight
// wins and transform_guess/meta are overwritten. Returns the number of
// rows written.
func (r *postgresCatalog) AddScanEdges(ctx context.Context, companyID, datasetVersionID string, edges []models.ScanEdge) (int64, error) {
	if len(edges) == 0 {
		return 0, nil
	}

	var affected int64
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		for _, e := range edges {
			kind := e.Kind
			if kind == "" {
				kind = "unknown"
			}
			weight := e.Weight
			if weight == 0 {
				weight = 1
			}
			guess := e.TransformGuess
			if guess == nil {
				guess = map[string]any{}
			}
			meta := e.Meta
			if meta == nil {
				meta = map[string]any{}
			}

			tag, err := tx.Exec(ctx, `
				INSERT INTO core.scan_edges
					(company_id, dataset_version_id, scan_id_from, scan_id_to, kind, weight, transform_guess, meta)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT ON CONSTRAINT uq_scan_edges_dv_from_to_kind DO UPDATE SET
					weight = GREATEST(core.scan_edges.weight, EXCLUDED.weight),
					transform_guess = EXCLUDED.transform_guess,
					meta = EXCLUDED.meta,
					updated_at = now()
			`, companyID, datasetVersionID, e.ScanIDFrom, e.ScanIDTo, kind, weight, guess, meta)
			if err != nil {
				return fmt.Errorf("failed to upsert scan edge: %w", err)
			}
			affected += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ListScanEdges returns every edge of the dataset version.
func (r *postgresCatalog) ListScanEdges(ctx context.Context, datasetVersionID string) ([]models.ScanEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, company_id, dataset_version_id, scan_id_from, scan_id_to,
		       kind, weight, transform_guess, meta, created_at, updated_at
		FROM core.scan_edges
		WHERE dataset_version_id = $1
		ORDER BY id
	`, datasetVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan edges: %w", err)
	}
	defer rows.Close()

	var edges []models.ScanEdge
	for rows.Next() {
		var e models.ScanEdge
		err := rows.Scan(&e.ID, &e.CompanyID, &e.DatasetVersionID, &e.ScanIDFrom, &e.ScanIDTo,
			&e.Kind, &e.Weight, &e.TransformGuess, &e.Meta, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpsertScanPose writes the solved pose of a scan, overwriting any
// previous solution for the same dataset version.
func (r *postgresCatalog) UpsertScanPose(ctx context.Context, companyID, datasetVersionID, scanID string, pose map[string]any, quality int, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO core.scan_poses (company_id, dataset_version_id, scan_id, pose, quality, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT uq_scan_poses_dv_scan DO UPDATE SET
			pose = EXCLUDED.pose,
			quality = EXCLUDED.quality,
			meta = EXCLUDED.meta,
			updated_at = now()
	`, companyID, datasetVersionID, scanID, pose, quality, meta)
	if err != nil {
		return fmt.Errorf("failed to upsert scan pose: %w", err)
	}
	return nil
}

// ListScanPosesByDatasetVersion returns every solved pose of the version.
func (r *postgresCatalog) ListScanPosesByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.ScanPose, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, company_id, dataset_version_id, scan_id, pose, quality, meta, created_at, updated_at
		FROM core.scan_poses
		WHERE dataset_version_id = $1
		ORDER BY id
	`, datasetVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan poses: %w", err)
	}
	defer rows.Close()

	var poses []models.ScanPose
	for rows.Next() {
		var p models.ScanPose
		err := rows.Scan(&p.ID, &p.CompanyID, &p.DatasetVersionID, &p.ScanID,
			&p.Pose, &p.Quality, &p.Meta, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pose row: %w", err)
		}
		poses = append(poses, p)
	}
	return poses, rows.Err()
}
