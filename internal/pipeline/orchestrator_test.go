package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidarscope/control-plane/internal/artifact"
	"github.com/lidarscope/control-plane/internal/database"
	"github.com/lidarscope/control-plane/internal/events"
	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/repository"
	"github.com/lidarscope/control-plane/internal/scenario"
	"github.com/lidarscope/control-plane/internal/status"
	"github.com/lidarscope/control-plane/internal/workflow"
)

// memCatalog is an in-memory Catalog for exercising the whole pipeline
// without PostgreSQL.
type memCatalog struct {
	mu        sync.Mutex
	companies map[string]string
	crs       map[string]models.CRS
	datasets  map[string]models.Dataset
	versions  map[string]models.DatasetVersion
	scans     map[string]models.Scan
	artifacts []models.Artifact
	runs      map[int64]models.IngestRun
	edges     []models.ScanEdge
	poses     map[string]models.ScanPose

	nextArtifact int64
	nextRun      int64
	nextSeq      int
}

var _ repository.Catalog = (*memCatalog)(nil)

func newMemCatalog() *memCatalog {
	return &memCatalog{
		companies: map[string]string{},
		crs:       map[string]models.CRS{},
		datasets:  map[string]models.Dataset{},
		versions:  map[string]models.DatasetVersion{},
		scans:     map[string]models.Scan{},
		runs:      map[int64]models.IngestRun{},
		poses:     map[string]models.ScanPose{},
	}
}

func (c *memCatalog) newID(prefix string) string {
	c.nextSeq++
	return fmt.Sprintf("%s-%03d", prefix, c.nextSeq)
}

func (c *memCatalog) EnsureCompany(ctx context.Context, id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.companies[id]; !ok {
		if name == "" {
			name = id
		}
		c.companies[id] = name
	}
	return nil
}

func (c *memCatalog) EnsureCRS(ctx context.Context, p repository.EnsureCRSParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.crs[p.ID]; !ok {
		c.crs[p.ID] = models.CRS{ID: p.ID, Name: p.Name, ZoneDegree: p.ZoneDegree, EPSG: p.EPSG, Units: "m"}
	}
	return nil
}

func (c *memCatalog) GetCRS(ctx context.Context, crsID string) (*models.CRS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if crs, ok := c.crs[crsID]; ok {
		return &crs, nil
	}
	return nil, nil
}

func (c *memCatalog) ResolveCrsToPdalSRS(ctx context.Context, crsID string) (string, error) {
	crs, err := c.GetCRS(ctx, crsID)
	if err != nil {
		return "", err
	}
	if crs == nil {
		return "", apperrors.Invariant("crs %s not found", crsID)
	}
	if crs.EPSG != nil && *crs.EPSG != 0 {
		return fmt.Sprintf("EPSG:%d", *crs.EPSG), nil
	}
	return crs.ID, nil
}

func (c *memCatalog) EnsureDataset(ctx context.Context, companyID, name string, crsID *string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.datasets {
		if d.CompanyID == companyID && d.Name == name {
			if crsID != nil && d.CrsID != *crsID {
				return "", apperrors.Invariant("dataset %q has crs %s, not %s", name, d.CrsID, *crsID)
			}
			return d.ID, nil
		}
	}
	if crsID == nil {
		return "", apperrors.Validation("dataset %q does not exist and no crs was supplied to create it", name)
	}
	if _, ok := c.companies[companyID]; !ok {
		return "", apperrors.Invariant("company %s not found", companyID)
	}
	if _, ok := c.crs[*crsID]; !ok {
		return "", apperrors.Invariant("crs %s not found", *crsID)
	}
	id := c.newID("ds")
	c.datasets[id] = models.Dataset{ID: id, CompanyID: companyID, Name: name, CrsID: *crsID}
	return id, nil
}

func (c *memCatalog) GetActiveDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.versions {
		if v.DatasetID == datasetID && v.IsActive {
			return &v, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) EnsureDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	if active, err := c.GetActiveDatasetVersion(ctx, datasetID); err != nil || active != nil {
		return active, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := models.DatasetVersion{ID: c.newID("dv"), DatasetID: datasetID, Version: 1, IsActive: true, CreatedAt: time.Now()}
	c.versions[v.ID] = v
	return &v, nil
}

func (c *memCatalog) BumpDatasetVersion(ctx context.Context, datasetID string) (*models.DatasetVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := 1
	for id, v := range c.versions {
		if v.DatasetID == datasetID && v.IsActive {
			v.IsActive = false
			c.versions[id] = v
			next = v.Version + 1
		}
	}
	v := models.DatasetVersion{ID: c.newID("dv"), DatasetID: datasetID, Version: next, IsActive: true, CreatedAt: time.Now()}
	c.versions[v.ID] = v
	return &v, nil
}

func (c *memCatalog) CreateScan(ctx context.Context, companyID, datasetVersionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	version, ok := c.versions[datasetVersionID]
	if !ok {
		return "", apperrors.Invariant("dataset version %s not found", datasetVersionID)
	}
	dataset := c.datasets[version.DatasetID]
	if dataset.CompanyID != companyID {
		return "", apperrors.Invariant("dataset version %s does not belong to company %s", datasetVersionID, companyID)
	}
	id := c.newID("scan")
	c.scans[id] = models.Scan{
		ID:               id,
		CompanyID:        companyID,
		DatasetID:        dataset.ID,
		DatasetVersionID: datasetVersionID,
		CrsID:            dataset.CrsID,
		Status:           "CREATED",
		SchemaVersion:    repository.DefaultScanSchemaVersion,
		Meta:             map[string]any{},
	}
	return id, nil
}

func (c *memCatalog) GetScan(ctx context.Context, scanID string) (*models.Scan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scans[scanID]; ok {
		return &s, nil
	}
	return nil, nil
}

func (c *memCatalog) GetScanBundle(ctx context.Context, scanID string) (*models.ScanBundle, error) {
	scan, err := c.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Invariant("scan %s not found", scanID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle := &models.ScanBundle{Scan: *scan, Raw: map[string]models.Artifact{}}
	for _, a := range c.artifacts {
		if a.ScanID == scanID && a.SchemaVersion == nil {
			bundle.Raw[a.Kind] = a
		}
	}
	return bundle, nil
}

func (c *memCatalog) ListScansByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.Scan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var scans []models.Scan
	for _, s := range c.scans {
		if s.DatasetVersionID == datasetVersionID {
			scans = append(scans, s)
		}
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].ID < scans[j].ID })
	return scans, nil
}

func (c *memCatalog) RegisterRawArtifact(ctx context.Context, p repository.RegisterArtifactParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	scan, ok := c.scans[p.ScanID]
	if !ok {
		return apperrors.Invariant("scan %s not found", p.ScanID)
	}
	if scan.CompanyID != p.CompanyID {
		return apperrors.Invariant("scan %s does not belong to company %s", p.ScanID, p.CompanyID)
	}
	for _, a := range c.artifacts {
		if a.ScanID == p.ScanID && a.Kind == p.Kind && a.SchemaVersion == nil {
			return apperrors.Invariant("scan %s already has a raw artifact of kind %s", p.ScanID, p.Kind)
		}
	}
	c.appendArtifact(p, nil, models.ArtifactAvailable)
	return nil
}

func (c *memCatalog) appendArtifact(p repository.RegisterArtifactParams, schemaVersion *string, defaultStatus string) {
	status := p.Status
	if status == "" {
		status = defaultStatus
	}
	c.nextArtifact++
	c.artifacts = append(c.artifacts, models.Artifact{
		ID:            c.nextArtifact,
		CompanyID:     p.CompanyID,
		ScanID:        p.ScanID,
		Kind:          p.Kind,
		SchemaVersion: schemaVersion,
		S3Bucket:      p.Bucket,
		S3Key:         p.Key,
		ETag:          p.ETag,
		SizeBytes:     p.SizeBytes,
		Status:        status,
		Meta:          p.Meta,
		CreatedAt:     time.Now(),
	})
}

func (c *memCatalog) RegisterArtifact(ctx context.Context, p repository.RegisterArtifactParams) error {
	if p.SchemaVersion == nil || *p.SchemaVersion == "" {
		return apperrors.Validation("schema version must be provided for derived artifacts")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.artifacts {
		if a.ScanID == p.ScanID && a.Kind == p.Kind && a.SchemaVersion != nil && *a.SchemaVersion == *p.SchemaVersion {
			return apperrors.Invariant("scan %s already has a %s artifact at schema version %s",
				p.ScanID, p.Kind, *p.SchemaVersion)
		}
	}
	c.appendArtifact(p, p.SchemaVersion, models.ArtifactAvailable)
	return nil
}

func (c *memCatalog) UpsertDerivedArtifact(ctx context.Context, p repository.RegisterArtifactParams) error {
	if p.SchemaVersion == nil || *p.SchemaVersion == "" {
		return apperrors.Validation("schema version must be provided for derived artifacts")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	status := p.Status
	if status == "" {
		status = models.ArtifactReady
	}
	for i, a := range c.artifacts {
		if a.ScanID == p.ScanID && a.Kind == p.Kind && a.SchemaVersion != nil && *a.SchemaVersion == *p.SchemaVersion {
			a.S3Bucket, a.S3Key, a.ETag, a.SizeBytes, a.Status, a.Meta = p.Bucket, p.Key, p.ETag, p.SizeBytes, status, p.Meta
			c.artifacts[i] = a
			return nil
		}
	}
	c.appendArtifact(p, p.SchemaVersion, models.ArtifactReady)
	return nil
}

func (c *memCatalog) FindDerivedArtifact(ctx context.Context, scanID, kind, schemaVersion string) (*models.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.artifacts) - 1; i >= 0; i-- {
		a := c.artifacts[i]
		if a.ScanID == scanID && a.Kind == kind && a.SchemaVersion != nil && *a.SchemaVersion == schemaVersion {
			return &a, nil
		}
	}
	return nil, nil
}

func (c *memCatalog) ListRawArtifacts(ctx context.Context, scanID string) ([]models.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var arts []models.Artifact
	for _, a := range c.artifacts {
		if a.ScanID == scanID && a.SchemaVersion == nil && a.Status == models.ArtifactAvailable {
			arts = append(arts, a)
		}
	}
	return arts, nil
}

func (c *memCatalog) ListPendingArtifacts(ctx context.Context, kind string, limit int) ([]models.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var arts []models.Artifact
	for _, a := range c.artifacts {
		if a.Kind == kind && a.Status == models.ArtifactPending && len(arts) < limit {
			arts = append(arts, a)
		}
	}
	return arts, nil
}

func (c *memCatalog) UpdateArtifactStatus(ctx context.Context, artifactID int64, status string, etag *string, sizeBytes *int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.artifacts {
		if a.ID == artifactID {
			a.Status = status
			if etag != nil {
				a.ETag = etag
			}
			if sizeBytes != nil {
				a.SizeBytes = sizeBytes
			}
			c.artifacts[i] = a
		}
	}
	return nil
}

func (c *memCatalog) ComputeFingerprint(ctx context.Context, scanID string) (string, error) {
	arts, err := c.ListRawArtifacts(ctx, scanID)
	if err != nil {
		return "", err
	}
	return repository.FingerprintRawInputs(arts), nil
}

func (c *memCatalog) FindIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint string) (*models.IngestRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *models.IngestRun
	for id := int64(1); id <= c.nextRun; id++ {
		r, ok := c.runs[id]
		if ok && r.CompanyID == companyID && r.ScanID == scanID &&
			r.SchemaVersion == schemaVersion && r.InputFingerprint == fingerprint {
			run := r
			found = &run
		}
	}
	return found, nil
}

func (c *memCatalog) CreateIngestRun(ctx context.Context, companyID, scanID, schemaVersion, fingerprint, runStatus string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRun++
	c.runs[c.nextRun] = models.IngestRun{
		ID:               c.nextRun,
		CompanyID:        companyID,
		ScanID:           scanID,
		SchemaVersion:    schemaVersion,
		InputFingerprint: fingerprint,
		Status:           runStatus,
		Error:            map[string]any{},
		CreatedAt:        time.Now(),
	}
	return c.nextRun, nil
}

func (c *memCatalog) GetIngestRun(ctx context.Context, runID int64) (*models.IngestRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[runID]; ok {
		return &r, nil
	}
	return nil, nil
}

func (c *memCatalog) SetIngestRunStatus(ctx context.Context, runID int64, runStatus string, errInfo map[string]any, setFinishedAt bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return apperrors.Invariant("ingest run %d not found", runID)
	}
	r.Status = runStatus
	if errInfo != nil {
		r.Error = errInfo
	}
	if setFinishedAt {
		now := time.Now()
		r.FinishedAt = &now
	}
	c.runs[runID] = r
	return nil
}

func (c *memCatalog) ClaimIngestRun(ctx context.Context, runID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok || r.Status != models.RunQueued {
		return false, nil
	}
	r.Status = models.RunRunning
	c.runs[runID] = r
	return true, nil
}

func (c *memCatalog) ListQueuedIngestRuns(ctx context.Context, schemaVersion, companyID string, limit int) ([]models.IngestRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var runs []models.IngestRun
	for id := int64(1); id <= c.nextRun && len(runs) < limit; id++ {
		r, ok := c.runs[id]
		if !ok || r.Status != models.RunQueued {
			continue
		}
		if schemaVersion != "" && r.SchemaVersion != schemaVersion {
			continue
		}
		if companyID != "" && r.CompanyID != companyID {
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (c *memCatalog) AddScanEdges(ctx context.Context, companyID, datasetVersionID string, edges []models.ScanEdge) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range edges {
		e.CompanyID = companyID
		e.DatasetVersionID = datasetVersionID
		c.edges = append(c.edges, e)
	}
	return int64(len(edges)), nil
}

func (c *memCatalog) ListScanEdges(ctx context.Context, datasetVersionID string) ([]models.ScanEdge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var edges []models.ScanEdge
	for _, e := range c.edges {
		if e.DatasetVersionID == datasetVersionID {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

func (c *memCatalog) UpsertScanPose(ctx context.Context, companyID, datasetVersionID, scanID string, pose map[string]any, quality int, meta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poses[datasetVersionID+"/"+scanID] = models.ScanPose{
		CompanyID:        companyID,
		DatasetVersionID: datasetVersionID,
		ScanID:           scanID,
		Pose:             pose,
		Quality:          quality,
		Meta:             meta,
	}
	return nil
}

func (c *memCatalog) ListScanPosesByDatasetVersion(ctx context.Context, datasetVersionID string) ([]models.ScanPose, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var poses []models.ScanPose
	for _, p := range c.poses {
		if p.DatasetVersionID == datasetVersionID {
			poses = append(poses, p)
		}
	}
	return poses, nil
}

// memStore is an in-memory object store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int
}

var _ objectstore.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (s *memStore) put(ref objectstore.Ref, body []byte) (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key := ref.Bucket + "/" + ref.Key
	etag := fmt.Sprintf("e%04d", s.seq)
	s.objects[key] = body
	s.etags[key] = etag
	return etag, int64(len(body))
}

func (s *memStore) PutObject(ctx context.Context, ref objectstore.Ref, localPath string) (string, int64, error) {
	etag, size := s.put(ref, []byte(localPath))
	return etag, size, nil
}

func (s *memStore) PutBytes(ctx context.Context, ref objectstore.Ref, body []byte, contentType string) (string, int64, error) {
	etag, size := s.put(ref, body)
	return etag, size, nil
}

func (s *memStore) UploadFile(ctx context.Context, ref objectstore.Ref, localPath string) (string, int64, error) {
	return s.PutObject(ctx, ref, localPath)
}

func (s *memStore) GetBytes(ctx context.Context, ref objectstore.Ref) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[ref.Bucket+"/"+ref.Key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", ref.Key)
	}
	return body, nil
}

func (s *memStore) DownloadFile(ctx context.Context, ref objectstore.Ref, localPath string) error {
	_, err := s.GetBytes(ctx, ref)
	return err
}

func (s *memStore) HeadObject(ctx context.Context, ref objectstore.Ref) (*string, *int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.Bucket + "/" + ref.Key
	body, ok := s.objects[key]
	if !ok {
		return nil, nil, nil
	}
	etag := s.etags[key]
	size := int64(len(body))
	return &etag, &size, nil
}

type capturePublisher struct {
	mu       sync.Mutex
	statuses []events.StatusEvent
	failed   []events.FailedEvent
	done     []events.CompletedEvent
}

func (p *capturePublisher) PublishStatus(ctx context.Context, event events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, event)
	return nil
}

func (p *capturePublisher) PublishCompleted(ctx context.Context, event events.CompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = append(p.done, event)
	return nil
}

func (p *capturePublisher) PublishFailed(ctx context.Context, event events.FailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

const (
	testBucket  = "lidar-data"
	testCompany = "acme"
	testCRS     = "EPSG:32637"
)

func newTestStack(t *testing.T, catalog *memCatalog, store *memStore) (*ingest.UseCase, *capturePublisher, *status.Store) {
	t.Helper()
	processor := ingest.NewProcessor(catalog, store, testBucket, nil)
	artifacts := artifact.NewService(catalog, store, testBucket, nil)
	activities := NewActivities(catalog, store, processor, artifacts, testBucket, nil)
	orchestrator := NewOrchestrator(activities, "1.1.0", testCompany, testCRS, false, nil)

	engine := workflow.NewLocalEngine(nil)
	orchestrator.RegisterWith(engine)
	t.Cleanup(engine.Shutdown)

	mr := miniredis.RunT(t)
	kv := database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	statuses := status.NewStore(kv, "", 0)
	publisher := &capturePublisher{}
	uc := ingest.NewUseCase(engine, statuses, publisher, scenario.NewRegistry(), nil)
	return uc, publisher, statuses
}

func startCommand(dataset map[string]ingest.ScanPayload) ingest.Command {
	return ingest.Command{
		WorkflowID:      "wf-1",
		Scenario:        "ingest",
		MessageVersion:  "1",
		PipelineVersion: "1",
		Dataset:         dataset,
	}
}

func TestIngestScenarioMaterializesFreshDataset(t *testing.T) {
	catalog := newMemCatalog()
	store := newMemStore()
	ctx := context.Background()

	// Producer-side uploads the message will reference.
	store.put(objectstore.Ref{Bucket: testBucket, Key: "uploads/a/cloud.laz"}, []byte("cloud"))
	store.put(objectstore.Ref{Bucket: testBucket, Key: "uploads/a/path.txt"}, []byte("0 0 0\n10 0 0\n"))

	uc, publisher, statuses := newTestStack(t, catalog, store)

	result, err := uc.Execute(ctx, startCommand(map[string]ingest.ScanPayload{
		"scan-a": {
			PointCloud: map[string]ingest.ObjectRef{"main": {S3Key: "uploads/a/cloud.laz"}},
			Trajectory: map[string]ingest.ObjectRef{"main": {S3Key: "uploads/a/path.txt"}},
		},
	}))
	require.NoError(t, err)

	// The payload was materialized into catalog rows.
	assert.Contains(t, catalog.companies, testCompany)
	require.Len(t, catalog.datasets, 1)
	for _, d := range catalog.datasets {
		assert.Equal(t, "wf-1", d.Name)
		assert.Equal(t, testCRS, d.CrsID)
	}
	require.Len(t, catalog.versions, 1)
	require.Len(t, catalog.scans, 1)

	var scanID string
	for id := range catalog.scans {
		scanID = id
	}
	raw, err := catalog.ListRawArtifacts(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	for _, a := range raw {
		assert.Equal(t, models.ArtifactAvailable, a.Status)
		require.NotNil(t, a.ETag)
		assert.NotEmpty(t, *a.ETag)
	}

	manifest, err := catalog.FindDerivedArtifact(ctx, scanID, models.KindIngestManifest, "1.1.0")
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, models.ArtifactAvailable, manifest.Status)

	kinds := make([]string, 0, len(result.Outputs))
	for _, o := range result.Outputs {
		kinds = append(kinds, o.Kind)
	}
	assert.Contains(t, kinds, models.KindIngestManifest)
	assert.Contains(t, kinds, models.KindMergedPointCloud)

	require.Len(t, publisher.done, 1)
	assert.Empty(t, publisher.failed)

	entry, err := statuses.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ingest.StatusCompleted, entry.Status)
}

func TestIngestScenarioProgressQueryAnswersImmediately(t *testing.T) {
	catalog := newMemCatalog()
	store := newMemStore()
	store.put(objectstore.Ref{Bucket: testBucket, Key: "uploads/a/cloud.laz"}, []byte("cloud"))

	uc, publisher, _ := newTestStack(t, catalog, store)

	_, err := uc.Execute(context.Background(), startCommand(map[string]ingest.ScanPayload{
		"scan-a": {PointCloud: map[string]ingest.ObjectRef{"main": {S3Key: "uploads/a/cloud.laz"}}},
	}))
	require.NoError(t, err)

	// The RUNNING status carries the progress snapshot queried right
	// after the start; an unregistered handler would have failed the
	// whole run instead.
	var running *events.StatusEvent
	for i := range publisher.statuses {
		if publisher.statuses[i].Status == ingest.StatusRunning {
			running = &publisher.statuses[i]
		}
	}
	require.NotNil(t, running)
	assert.Contains(t, running.Details, "stage")
}

func TestIngestScenarioMissingObjectIsNotRetried(t *testing.T) {
	catalog := newMemCatalog()
	store := newMemStore()

	uc, publisher, _ := newTestStack(t, catalog, store)

	_, err := uc.Execute(context.Background(), startCommand(map[string]ingest.ScanPayload{
		"scan-a": {PointCloud: map[string]ingest.ObjectRef{"main": {S3Key: "uploads/missing/cloud.laz"}}},
	}))
	require.Error(t, err)

	appErr := apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
	assert.False(t, appErr.Retryable(), "a missing producer upload must not be requeued forever")
	assert.True(t, strings.Contains(err.Error(), "does not exist"))

	// The single failed event is published by the consumer ack path.
	assert.Empty(t, publisher.failed)
	assert.Empty(t, publisher.done)
}
