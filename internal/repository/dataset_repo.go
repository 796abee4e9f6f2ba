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

// EnsureCompany inserts the company if it does not exist yet.
func (r *postgresCatalog) EnsureCompany(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO core.companies (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	if err != nil {
		return fmt.Errorf("failed to ensure company: %w", err)
	}
	return nil
}

// EnsureCRS inserts the CRS if absent. Existing rows are immutable and
// left untouched.
func (r *postgresCatalog) EnsureCRS(ctx context.Context, p EnsureCRSParams) error {
	units := p.Units
	if units == "" {
		units = "m"
	}
	axisOrder := p.AxisOrder
	if axisOrder == "" {
		axisOrder = "x_east,y_north,z_up"
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO core.crs (id, name, zone_degree, epsg, units, axis_order, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.Name, p.ZoneDegree, p.EPSG, units, axisOrder, meta)
	if err != nil {
		return fmt.Errorf("failed to ensure crs: %w", err)
	}
	return nil
}

// GetCRS returns the CRS row, or nil if it does not exist.
func (r *postgresCatalog) GetCRS(ctx context.Context, crsID string) (*models.CRS, error) {
	var c models.CRS
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, zone_degree, epsg, units, axis_order, meta, created_at
		FROM core.crs
		WHERE id = $1
	`, crsID).Scan(&c.ID, &c.Name, &c.ZoneDegree, &c.EPSG, &c.Units, &c.AxisOrder, &c.Meta, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get crs: %w", err)
	}
	return &c, nil
}

// ResolveCrsToPdalSRS returns a PROJ-compatible SRS string for the CRS.
// Preference order: EPSG code, stored PROJJSON, stored WKT, the bare id.
func (r *postgresCatalog) ResolveCrsToPdalSRS(ctx context.Context, crsID string) (string, error) {
	crs, err := r.GetCRS(ctx, crsID)
	if err != nil {
		return "", err
	}
	if crs == nil {
		return "", apperrors.Invariant("crs %s not found", crsID)
	}

	if crs.EPSG != nil && *crs.EPSG != 0 {
		return fmt.Sprintf("EPSG:%d", *crs.EPSG), nil
	}
	if projjson, ok := crs.Meta["projjson"].(string); ok && projjson != "" {
		return projjson, nil
	}
	if wkt, ok := crs.Meta["wkt"].(string); ok && wkt != "" {
		return wkt, nil
	}
	return crs.ID, nil
}

// EnsureDataset returns the id of the dataset named name under the
// company, creating it when absent. Creating requires a CRS; supplying
// one that conflicts with an existing row fails. A concurrent creator
// winning the insert race is handled by re-reading the winner.
func (r *postgresCatalog) EnsureDataset(ctx context.Context, companyID, name string, crsID *string) (string, error) {
	var datasetID string

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		id, existingCrs, err := findDataset(ctx, tx, companyID, name)
		if err != nil {
			return err
		}
		if id != "" {
			if crsID != nil && existingCrs != *crsID {
				return apperrors.Invariant("dataset %q has crs %s, not %s", name, existingCrs, *crsID)
			}
			datasetID = id
			return nil
		}

		// datasets.crs_id is NOT NULL; without a CRS the insert below can
		// only fail, so reject the request up front.
		if crsID == nil {
			return apperrors.Validation("dataset %q does not exist and no crs was supplied to create it", name)
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM core.companies WHERE id = $1)`, companyID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check company: %w", err)
		}
		if !exists {
			return apperrors.Invariant("company %s not found", companyID)
		}
		if crsID != nil {
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM core.crs WHERE id = $1)`, *crsID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check crs: %w", err)
			}
			if !exists {
				return apperrors.Invariant("crs %s not found", *crsID)
			}
		}

		datasetID = ulid.New()
		_, err = tx.Exec(ctx, `
			INSERT INTO core.datasets (id, company_id, name, crs_id)
			VALUES ($1, $2, $3, $4)
		`, datasetID, companyID, name, crsID)
		return err
	})

	if err == nil {
		return datasetID, nil
	}
	if !isUniqueViolation(err) {
		return "", err
	}

	// Someone else created it between our read and insert.
	var id, existingCrs string
	err = r.pool.QueryRow(ctx, `
		SELECT id, crs_id FROM core.datasets WHERE company_id = $1 AND name = $2
	`, companyID, name).Scan(&id, &existingCrs)
	if err != nil {
		return "", fmt.Errorf("failed to re-read dataset after conflict: %w", err)
	}
	if crsID != nil && existingCrs != *crsID {
		return "", apperrors.Invariant("dataset %q has crs %s, not %s", name, existingCrs, *crsID)
	}
	return id, nil
}

func findDataset(ctx context.Context, tx pgx.Tx, companyID, name string) (id, crsID string, err error) {
	err = tx.QueryRow(ctx, `
		SELECT id, crs_id FROM core.datasets WHERE company_id = $1 AND name = $2
	`, companyID, name).Scan(&id, &crsID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to find dataset: %w", err)
	}
	return id, crsID, nil
}

// GetActiveDatasetVersion returns the active version of the dataset, or
// nil if there is none.
func (r *postgresCatalog) GetActiveDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	var dv models.DatasetVersion
	err := r.pool.QueryRow(ctx, `
		SELECT id, dataset_id, version, is_active, created_at
		FROM core.dataset_versions
		WHERE dataset_id = $1 AND is_active = TRUE
	`, datasetID).Scan(&dv.ID, &dv.DatasetID, &dv.Version, &dv.IsActive, &dv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active dataset version: %w", err)
	}
	return &dv, nil
}

// EnsureDatasetVersion returns the active version, creating version 1
// when the dataset has none.
func (r *postgresCatalog) EnsureDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	active, err := r.GetActiveDatasetVersion(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	dv := models.DatasetVersion{ID: ulid.New(), DatasetID: datasetID, Version: 1, IsActive: true}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO core.dataset_versions (id, dataset_id, version, is_active)
		VALUES ($1, $2, 1, TRUE)
		RETURNING created_at
	`, dv.ID, datasetID).Scan(&dv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetActiveDatasetVersion(ctx, datasetID)
		}
		return nil, fmt.Errorf("failed to create dataset version: %w", err)
	}
	return &dv, nil
}

// BumpDatasetVersion deactivates the current active version under a row
// lock and inserts the next one. Concurrent bumps serialize on the lock.
func (r *postgresCatalog) BumpDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	var dv models.DatasetVersion

	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var activeID string
		var activeVersion int
		newVersion := 1

		err := tx.QueryRow(ctx, `
			SELECT id, version FROM core.dataset_versions
			WHERE dataset_id = $1 AND is_active = TRUE
			FOR UPDATE
		`, datasetID).Scan(&activeID, &activeVersion)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// first version
		case err != nil:
			return fmt.Errorf("failed to lock active dataset version: %w", err)
		default:
			if _, err := tx.Exec(ctx, `
				UPDATE core.dataset_versions SET is_active = FALSE WHERE id = $1
			`, activeID); err != nil {
				return fmt.Errorf("failed to deactivate dataset version: %w", err)
			}
			newVersion = activeVersion + 1
		}

		dv = models.DatasetVersion{ID: ulid.New(), DatasetID: datasetID, Version: newVersion, IsActive: true}
		return tx.QueryRow(ctx, `
			INSERT INTO core.dataset_versions (id, dataset_id, version, is_active)
			VALUES ($1, $2, $3, TRUE)
			RETURNING created_at
		`, dv.ID, datasetID, newVersion).Scan(&dv.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &dv, nil
}
