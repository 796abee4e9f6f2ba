package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

func TestMapArtifactConflict(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}

	raw := RegisterArtifactParams{ScanID: "scan-1", Kind: "raw.point_cloud"}
	err := mapArtifactConflict(dup, raw)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvariant, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "raw artifact of kind raw.point_cloud")

	sv := "1.1.0"
	derived := RegisterArtifactParams{ScanID: "scan-1", Kind: "derived.ingest_manifest", SchemaVersion: &sv}
	err = mapArtifactConflict(fmt.Errorf("insert: %w", dup), derived)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvariant, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "schema version 1.1.0")

	other := errors.New("connection reset")
	assert.Equal(t, other, mapArtifactConflict(other, raw))
	assert.NoError(t, mapArtifactConflict(nil, raw))
}
