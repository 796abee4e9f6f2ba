package ingest

import (
	"strings"
	"time"

	"github.com/lidarscope/control-plane/internal/models"
)

// BuildManifest assembles the ingest manifest document for one scan.
// Scan-level overrides under scan.meta["manifest"] are deep-merged over
// the defaults, then control point verification data backfills the
// coordinate system, and a PROJJSON is synthesized when the overrides
// did not supply one.
func BuildManifest(run models.IngestRun, scan models.Scan, rawArts []models.Artifact) map[string]any {
	return BuildManifestAt(run, scan, rawArts, time.Now().UTC())
}

// BuildManifestAt is BuildManifest with an explicit creation timestamp.
func BuildManifestAt(run models.IngestRun, scan models.Scan, rawArts []models.Artifact, now time.Time) map[string]any {
	scanMeta := scan.Meta
	if scanMeta == nil {
		scanMeta = map[string]any{}
	}
	overrides := asMap(scanMeta["manifest"])

	rawDocs := make([]any, 0, len(rawArts))
	for _, a := range rawArts {
		rawDocs = append(rawDocs, artifactDoc(a))
	}

	manifest := map[string]any{
		"material": map[string]any{
			"point_cloud_format": detectPointCloudFormat(rawArts),
		},
		"coordinate_system": map[string]any{
			"guarantor": map[string]any{
				"source":    nil,
				"metadata":  nil,
				"reference": nil,
				"client":    nil,
			},
			"crs_id":   scan.CrsID,
			"crs_type": nil,
			"datum":    nil,
			"projection": map[string]any{
				"type":             nil,
				"zone_width":       nil,
				"zone_number":      nil,
				"central_meridian": nil,
			},
			"units":      nil,
			"axis_order": nil,
		},
		"z_measurement":  nil,
		"imu_dimensions": nil,
		"geometry_mode":  nil,
		"control_points": map[string]any{
			"table": artifactDocByKind(rawArts, models.KindRawControlPoint),
			"local_system": map[string]any{
				"x": nil, "y": nil, "z": nil, "z_mode": nil,
			},
			"final_system": map[string]any{
				"x": nil, "y": nil, "z": nil, "z_mode": nil,
			},
			"verified_from_control_point": map[string]any{
				"who_guarantees": nil,
				"xyz_consistent": nil,
				"geometry_mode":  nil,
				"z_measurement":  nil,
				"gps": map[string]any{
					"latlon_format": nil,
					"height_type":   nil,
				},
				"coordinate_system": map[string]any{
					"crs_type": nil,
					"datum":    nil,
					"projection": map[string]any{
						"type":             nil,
						"zone_width":       nil,
						"zone_number":      nil,
						"central_meridian": nil,
					},
					"units":      nil,
					"axis_order": nil,
				},
			},
		},
		"business_logic": map[string]any{
			"company":            scan.CompanyID,
			"department":         scan.OwnerDepartmentID,
			"employee":           nil,
			"tariff":             nil,
			"processing_version": scan.SchemaVersion,
		},
		"recording_modes": map[string]any{
			"duplicates": nil,
			"coordinate_system": map[string]any{
				"mode":          nil,
				"override_epsg": nil,
			},
		},
		"ingest": map[string]any{
			"run_id":            run.ID,
			"company_id":        run.CompanyID,
			"scan_id":           run.ScanID,
			"schema_version":    run.SchemaVersion,
			"input_fingerprint": run.InputFingerprint,
			"created_at":        now.Format(time.RFC3339Nano),
			"scan": map[string]any{
				"id":                 scan.ID,
				"dataset_id":         scan.DatasetID,
				"dataset_version_id": scan.DatasetVersionID,
				"crs_id":             scan.CrsID,
				"status":             scan.Status,
				"schema_version":     scan.SchemaVersion,
				"meta":               scanMeta,
			},
			"raw_artifacts": rawDocs,
		},
	}

	merged := deepMerge(manifest, overrides)
	applyControlPointDefaults(merged)

	cs := ensureMap(merged, "coordinate_system")
	if _, present := cs["projjson"]; !present {
		cs["projjson"] = buildProjJSON(cs)
	}
	return merged
}

func artifactDoc(a models.Artifact) map[string]any {
	meta := a.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"kind":       a.Kind,
		"bucket":     a.S3Bucket,
		"key":        a.S3Key,
		"etag":       a.ETag,
		"size_bytes": a.SizeBytes,
		"status":     a.Status,
		"meta":       meta,
	}
}

func artifactDocByKind(rawArts []models.Artifact, kind string) any {
	for _, a := range rawArts {
		if a.Kind == kind {
			return artifactDoc(a)
		}
	}
	return nil
}

// detectPointCloudFormat classifies the raw point cloud by its key
// suffix. Returns nil when the cloud is absent or unrecognized.
func detectPointCloudFormat(rawArts []models.Artifact) any {
	for _, a := range rawArts {
		if a.Kind != models.KindRawPointCloud {
			continue
		}
		name := strings.ToLower(a.S3Key)
		switch {
		case strings.HasSuffix(name, ".copc.laz") || strings.Contains(name, "copc"):
			return "copc.laz"
		case strings.HasSuffix(name, ".laz"):
			return "laz"
		case strings.HasSuffix(name, ".las"):
			return "las"
		default:
			return nil
		}
	}
	return nil
}

// deepMerge merges overrides into base recursively. Nested maps merge
// key by key; everything else is replaced.
func deepMerge(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := merged[k].(map[string]any); ok {
				merged[k] = deepMerge(existing, sub)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// applyControlPointDefaults backfills the coordinate system and scan
// geometry fields from the control point verification block.
func applyControlPointDefaults(manifest map[string]any) {
	verified := asMap(asMap(manifest["control_points"])["verified_from_control_point"])
	verifiedCS := asMap(verified["coordinate_system"])

	cs := ensureMap(manifest, "coordinate_system")
	for _, key := range []string{"crs_type", "datum", "units", "axis_order"} {
		if cs[key] == nil && verifiedCS[key] != nil {
			cs[key] = verifiedCS[key]
		}
	}

	projection := ensureMap(cs, "projection")
	verifiedProjection := asMap(verifiedCS["projection"])
	for _, key := range []string{"type", "zone_width", "zone_number", "central_meridian"} {
		if projection[key] == nil && verifiedProjection[key] != nil {
			projection[key] = verifiedProjection[key]
		}
	}

	if manifest["geometry_mode"] == nil && verified["geometry_mode"] != nil {
		manifest["geometry_mode"] = verified["geometry_mode"]
	}
	if manifest["z_measurement"] == nil && verified["z_measurement"] != nil {
		manifest["z_measurement"] = verified["z_measurement"]
	}
}

// buildProjJSON synthesizes a Transverse Mercator PROJJSON from the
// manifest coordinate system block. Returns nil when no projection
// parameters are present or the central meridian cannot be derived.
func buildProjJSON(cs map[string]any) any {
	projection := asMap(cs["projection"])
	projectionType := projection["type"]
	centralMeridian, hasCM := asFloat(projection["central_meridian"])
	zoneWidth, hasZW := asFloat(projection["zone_width"])
	zoneNumber, hasZN := asFloat(projection["zone_number"])

	if projectionType == nil && !hasCM && !hasZW {
		return nil
	}

	method := "Transverse Mercator"
	if s, ok := projectionType.(string); ok && s != "GK" && s != "MCK" && s != "tmerc" {
		method = s
	}

	var lon0 float64
	switch {
	case hasCM:
		lon0 = centralMeridian
	case hasZW && hasZN:
		lon0 = zoneWidth*zoneNumber - zoneWidth/2
	default:
		return nil
	}

	lat0 := floatOr(projection["lat_0"], 0)
	k := floatOr(projection["k"], 1)
	x0 := floatOr(projection["x_0"], 500000)
	y0 := floatOr(projection["y_0"], 0)

	datum := stringOr(cs["datum"], stringOr(projection["ellps"], "GRS80"))
	units := stringOr(cs["units"], "m")
	ellipsoid := ellipsoidFromName(datum)

	name := stringOr(cs["name"], datum+" / "+method)
	degree := map[string]any{"type": "AngularUnit", "name": "degree", "conversion_factor": 0.0174532925199433}

	return map[string]any{
		"type": "ProjectedCRS",
		"name": name,
		"base_crs": map[string]any{
			"type": "GeographicCRS",
			"name": datum,
			"datum": map[string]any{
				"type":      "GeodeticReferenceFrame",
				"name":      datum,
				"ellipsoid": ellipsoid,
			},
			"coordinate_system": map[string]any{
				"subtype": "ellipsoidal",
				"axis": []map[string]any{
					{"name": "Latitude", "abbreviation": "Lat", "direction": "north"},
					{"name": "Longitude", "abbreviation": "Lon", "direction": "east"},
				},
				"unit": degree,
			},
		},
		"conversion": map[string]any{
			"name":   method + " conversion",
			"method": map[string]any{"name": method},
			"parameters": []map[string]any{
				{"name": "Latitude of natural origin", "value": lat0, "unit": degree},
				{"name": "Longitude of natural origin", "value": lon0, "unit": degree},
				{"name": "Scale factor at natural origin", "value": k, "unit": map[string]any{"type": "ScaleUnit", "name": "unity", "conversion_factor": 1}},
				{"name": "False easting", "value": x0, "unit": linearUnit(units)},
				{"name": "False northing", "value": y0, "unit": linearUnit(units)},
			},
		},
		"coordinate_system": map[string]any{
			"subtype": "Cartesian",
			"axis":    axisFromOrder(cs["axis_order"]),
			"unit":    linearUnit(units),
		},
	}
}

func linearUnit(unit string) map[string]any {
	switch unit {
	case "m", "meter", "metre", "meters", "metres":
		return map[string]any{"type": "LinearUnit", "name": "metre", "conversion_factor": 1}
	case "km", "kilometer", "kilometre", "kilometers", "kilometres":
		return map[string]any{"type": "LinearUnit", "name": "kilometre", "conversion_factor": 1000}
	default:
		return map[string]any{"type": "LinearUnit", "name": unit, "conversion_factor": 1}
	}
}

func axisFromOrder(axisOrder any) []map[string]any {
	defaults := []map[string]any{
		{"name": "Easting", "abbreviation": "E", "direction": "east"},
		{"name": "Northing", "abbreviation": "N", "direction": "north"},
	}
	order, ok := axisOrder.(string)
	if !ok || order == "" {
		return defaults
	}

	mapping := map[string]map[string]any{
		"x_east":  {"name": "Easting", "abbreviation": "E", "direction": "east"},
		"y_north": {"name": "Northing", "abbreviation": "N", "direction": "north"},
		"z_up":    {"name": "Ellipsoidal height", "abbreviation": "h", "direction": "up"},
	}
	var axes []map[string]any
	for _, entry := range strings.Split(order, ",") {
		if axis, ok := mapping[strings.TrimSpace(entry)]; ok {
			axes = append(axes, axis)
		}
	}
	if len(axes) == 0 {
		return defaults
	}
	return axes
}

func ellipsoidFromName(name string) map[string]any {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	normalized = strings.NewReplacer(" ", "", "_", "").Replace(normalized)
	switch normalized {
	case "GRS80", "GRS1980":
		return map[string]any{"name": "GRS 1980", "semi_major_axis": 6378137.0, "inverse_flattening": 298.257222101}
	case "CGCS2000", "CGCS2000DATUM":
		return map[string]any{"name": "CGCS2000", "semi_major_axis": 6378137.0, "inverse_flattening": 298.257222101}
	case "WGS84", "WGS1984":
		return map[string]any{"name": "WGS 84", "semi_major_axis": 6378137.0, "inverse_flattening": 298.257223563}
	default:
		return map[string]any{"name": "GRS 1980", "semi_major_axis": 6378137.0, "inverse_flattening": 298.257222101}
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatOr(v any, fallback float64) float64 {
	if n, ok := asFloat(v); ok {
		return n
	}
	return fallback
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
