package artifact

import (
	"context"
	"log/slog"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/repository"
)

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	PendingChecked int `json:"pending_checked"`
	Approved       int `json:"approved"`
	Failed         int `json:"failed"`
}

// Reconciler heals PENDING artifact rows: rows whose object exists in
// the store become AVAILABLE (with etag and size backfilled), rows whose
// object is missing become FAILED.
type Reconciler struct {
	catalog repository.Catalog
	store   objectstore.Store
	logger  *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(catalog repository.Catalog, store objectstore.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{catalog: catalog, store: store, logger: logger}
}

// Sweep processes up to limit pending rows of the kind.
func (r *Reconciler) Sweep(ctx context.Context, kind string, limit int) (*ReconcileReport, error) {
	pending, err := r.catalog.ListPendingArtifacts(ctx, kind, limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{PendingChecked: len(pending)}
	for _, art := range pending {
		etag, size, err := r.store.HeadObject(ctx, objectstore.Ref{Bucket: art.S3Bucket, Key: art.S3Key})
		if err != nil {
			return report, err
		}

		if etag != nil && size != nil {
			if err := r.catalog.UpdateArtifactStatus(ctx, art.ID, models.ArtifactAvailable, etag, size); err != nil {
				return report, err
			}
			report.Approved++
			continue
		}

		if err := r.catalog.UpdateArtifactStatus(ctx, art.ID, models.ArtifactFailed, nil, nil); err != nil {
			return report, err
		}
		r.logger.Warn("pending artifact has no object, marking failed",
			"artifact_id", art.ID, "key", art.S3Key)
		report.Failed++
	}

	r.logger.Info("reconcile sweep finished",
		"kind", kind, "checked", report.PendingChecked,
		"approved", report.Approved, "failed", report.Failed)
	return report, nil
}
