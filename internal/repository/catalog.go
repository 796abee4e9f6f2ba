// Package repository implements the catalog over PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lidarscope/control-plane/internal/models"
)

// DefaultScanSchemaVersion is stamped on newly created scans.
const DefaultScanSchemaVersion = "1.1.0"

// EnsureCRSParams describes a CRS row to create if absent.
type EnsureCRSParams struct {
	ID         string
	Name       string
	ZoneDegree int
	EPSG       *int
	Units      string
	AxisOrder  string
	Meta       map[string]any
}

// RegisterArtifactParams describes an artifact row to insert.
type RegisterArtifactParams struct {
	CompanyID     string
	ScanID        string
	Kind          string
	SchemaVersion *string
	Bucket        string
	Key           string
	ETag          *string
	SizeBytes     *int64
	Status        string
	Meta          map[string]any
}

// Catalog is the transactional source of truth for tenants, datasets,
// scans, artifacts, ingest runs and the registration graph.
type Catalog interface {
	EnsureCompany(ctx context.Context, id, name string) error
	EnsureCRS(ctx context.Context, p EnsureCRSParams) error
	GetCRS(ctx context.Context, crsID string) (*models.CRS, error)
	ResolveCrsToPdalSRS(ctx context.Context, crsID string) (string, error)

	EnsureDataset(ctx context.Context, companyID, name string, crsID *string) (string, error)
	GetActiveDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error)
	EnsureDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error)
	BumpDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error)

	CreateScan(ctx context.Context, companyID, datasetVersionID string) (string, error)
	GetScan(ctx context.Context, scanID string) (*models.Scan, error)
	GetScanBundle(ctx context.Context, scanID string) (*models.ScanBundle, error)
	ListScansByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.Scan, error)

	RegisterRawArtifact(ctx context.Context, p RegisterArtifactParams) error
	RegisterArtifact(ctx context.Context, p RegisterArtifactParams) error
	UpsertDerivedArtifact(ctx context.Context, p RegisterArtifactParams) error
	FindDerivedArtifact(ctx context.Context, scanID, kind, schemaVersion string) (*models.Artifact, error)
	ListRawArtifacts(ctx context.Context, scanID string) ([]models.Artifact, error)
	ListPendingArtifacts(ctx context.Context, kind string, limit int) ([]models.Artifact, error)
	UpdateArtifactStatus(ctx context.Context, artifactID int64, status string, etag *string, sizeBytes *int64) error
	ComputeFingerprint(ctx context.Context, scanID string) (string, error)

	FindIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint string) (*models.IngestRun, error)
	CreateIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint, status string) (int64, error)
	GetIngestRun(ctx context.Context, runID int64) (*models.IngestRun, error)
	SetIngestRunStatus(ctx context.Context, runID int64, status string, errInfo map[string]any, setFinishedAt bool) error
	ClaimIngestRun(ctx context.Context, runID int64) (bool, error)
	ListQueuedIngestRuns(ctx context.Context, schemaVersion, companyID string, limit int) ([]models.IngestRun, error)

	AddScanEdges(ctx context.Context, companyID, datasetVersionID string, edges []models.ScanEdge) (int64, error)
	ListScanEdges(ctx context.Context, datasetVersionID string) ([]models.ScanEdge, error)
	UpsertScanPose(ctx context.Context, companyID, datasetVersionID, scanID string, pose map[string]any, quality int, meta map[string]any) error
	ListScanPosesByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.ScanPose, error)
}

type postgresCatalog struct {
	pool *pgxpool.Pool
}

var _ Catalog = (*postgresCatalog)(nil)

// NewCatalog creates a PostgreSQL-backed catalog repository.
func NewCatalog(pool *pgxpool.Pool) Catalog {
	return &postgresCatalog{pool: pool}
}

// withTx runs fn inside a transaction, committing on normal return and
// rolling back on error.
func (r *postgresCatalog) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
