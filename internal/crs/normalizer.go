package crs

import (
	"encoding/json"

	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

// Normalizer resolves descriptors into Normalized records through the
// PROJ oracle and the MSK preset table.
type Normalizer struct {
	oracle  Oracle
	presets map[int]MSKRegionPreset
}

// NewNormalizer creates a normalizer. A nil presets map loads the
// embedded table.
func NewNormalizer(oracle Oracle, presets map[int]MSKRegionPreset) (*Normalizer, error) {
	if presets == nil {
		loaded, err := LoadMSKPresets()
		if err != nil {
			return nil, err
		}
		presets = loaded
	}
	return &Normalizer{oracle: oracle, presets: presets}, nil
}

// Normalize validates the descriptor and builds its canonical PROJJSON.
// Every rule violation is a validation error naming the broken rule; no
// partial result is returned.
func (n *Normalizer) Normalize(d Descriptor) (*Normalized, error) {
	switch d.Source {
	case SourceEPSG:
		return n.normalizeEPSG(d)
	case SourceWKT:
		return n.normalizeWKT(d)
	case SourceProjJSON:
		return n.normalizeProjJSON(d)
	case SourceCustom:
		return n.normalizeCustom(d)
	default:
		return nil, apperrors.Validation("unknown crs_source %q", d.Source)
	}
}

func forbidCustomFields(d Descriptor, source string) error {
	if d.CcrsType != nil || d.Datum != nil || d.ZMode != nil || d.AxisOrder != nil ||
		d.ZoneFamily != nil || d.UTMZone != nil || d.MSKRegion != nil {
		return apperrors.Validation("crs_source=%s forbids custom descriptor fields", source)
	}
	return nil
}

func (n *Normalizer) normalizeEPSG(d Descriptor) (*Normalized, error) {
	if d.EPSGCode == nil {
		return nil, apperrors.Validation("crs_source=epsg requires epsg_code")
	}
	if d.WKT != nil || d.ProjJSON != nil {
		return nil, apperrors.Validation("crs_source=epsg forbids wkt_str and projjson_str")
	}
	if err := forbidCustomFields(d, SourceEPSG); err != nil {
		return nil, err
	}

	built, err := n.oracle.FromEPSG(*d.EPSGCode)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceEPSG, EPSGCode: d.EPSGCode, BuiltProjJSON: built,
	}, nil
}

func (n *Normalizer) normalizeWKT(d Descriptor) (*Normalized, error) {
	if d.WKT == nil || *d.WKT == "" {
		return nil, apperrors.Validation("crs_source=wkt requires wkt_str")
	}
	if d.EPSGCode != nil || d.ProjJSON != nil {
		return nil, apperrors.Validation("crs_source=wkt forbids epsg_code and projjson_str")
	}
	if err := forbidCustomFields(d, SourceWKT); err != nil {
		return nil, err
	}

	built, err := n.oracle.FromWKT(*d.WKT)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceWKT, WKT: d.WKT, BuiltProjJSON: built,
	}, nil
}

func (n *Normalizer) normalizeProjJSON(d Descriptor) (*Normalized, error) {
	if d.ProjJSON == nil || *d.ProjJSON == "" {
		return nil, apperrors.Validation("crs_source=projjson requires projjson_str")
	}
	if d.EPSGCode != nil || d.WKT != nil {
		return nil, apperrors.Validation("crs_source=projjson forbids epsg_code and wkt_str")
	}
	if err := forbidCustomFields(d, SourceProjJSON); err != nil {
		return nil, err
	}

	built, err := n.oracle.FromJSON(*d.ProjJSON)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceProjJSON, ProjJSON: d.ProjJSON, BuiltProjJSON: built,
	}, nil
}

func (n *Normalizer) normalizeCustom(d Descriptor) (*Normalized, error) {
	if d.CcrsType == nil || d.Datum == nil || d.ZMode == nil || d.AxisOrder == nil {
		return nil, apperrors.Validation("crs_source=custom requires ccrs_type, datum, z_mode and axis_order")
	}

	var geoidModel *string
	if *d.ZMode == ZModeOrthometric {
		if d.GeoidModel == nil || *d.GeoidModel == "" {
			return nil, apperrors.Validation("z_mode=orthometric requires geoid_model")
		}
		geoidModel = d.GeoidModel
	}

	switch *d.CcrsType {
	case TypeLatLon:
		return n.normalizeLatLon(d, geoidModel)
	case TypeProjection:
		return n.normalizeProjection(d, geoidModel)
	default:
		return nil, apperrors.Validation("unknown ccrs_type %q", *d.CcrsType)
	}
}

// datumEPSG maps geographic datums of the latlon branch to fixed EPSG codes.
var datumEPSG = map[string]int{
	"WGS84":    4326,
	"CGCS2000": 4490,
	"SK42":     4284,
}

func (n *Normalizer) normalizeLatLon(d Descriptor, geoidModel *string) (*Normalized, error) {
	if d.ZoneFamily != nil || d.UTMZone != nil || d.UTMHemisphere != nil ||
		d.GKWidth != nil || d.GKNumber != nil ||
		d.MSKRegion != nil || d.MSKZone != nil || d.MSKVariant != nil ||
		d.Lon0 != nil || d.Lat0 != nil || d.K0 != nil || d.X0 != nil || d.Y0 != nil ||
		d.ToWGS84 != nil || d.HelmertConvention != nil {
		return nil, apperrors.Validation("ccrs_type=latlon forbids projection fields")
	}
	code, ok := datumEPSG[*d.Datum]
	if !ok {
		return nil, apperrors.Validation(
			"custom latlon datum=%s not supported without wkt/projjson", *d.Datum)
	}

	built, err := n.oracle.FromEPSG(code)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceCustom, CcrsType: d.CcrsType, Datum: d.Datum,
		ZMode: d.ZMode, AxisOrder: d.AxisOrder, GeoidModel: geoidModel,
		Units: strPtr("degree"), BuiltProjJSON: built,
	}, nil
}

func (n *Normalizer) normalizeProjection(d Descriptor, geoidModel *string) (*Normalized, error) {
	if d.ZoneFamily == nil {
		return nil, apperrors.Validation("ccrs_type=projection requires zone_family")
	}

	switch *d.ZoneFamily {
	case ZoneFamilyUTM:
		return n.normalizeUTM(d, geoidModel)
	case ZoneFamilyGK:
		return nil, apperrors.Validation("zone_family=GK is not supported")
	case ZoneFamilyMSK:
		return n.normalizeMSK(d, geoidModel)
	default:
		return nil, apperrors.Validation("unknown zone_family %q", *d.ZoneFamily)
	}
}

func (n *Normalizer) normalizeUTM(d Descriptor, geoidModel *string) (*Normalized, error) {
	if *d.Datum != "WGS84" {
		return nil, apperrors.Validation("UTM supports only datum=WGS84")
	}
	if d.UTMZone == nil || d.UTMHemisphere == nil {
		return nil, apperrors.Validation("UTM requires utm_zone and utm_hemisphere")
	}
	if *d.UTMZone < 1 || *d.UTMZone > 60 {
		return nil, apperrors.Validation("utm_zone must be 1..60, got %d", *d.UTMZone)
	}

	var code int
	switch *d.UTMHemisphere {
	case "N":
		code = 32600 + *d.UTMZone
	case "S":
		code = 32700 + *d.UTMZone
	default:
		return nil, apperrors.Validation("utm_hemisphere must be N or S, got %q", *d.UTMHemisphere)
	}

	built, err := n.oracle.FromEPSG(code)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceCustom, CcrsType: d.CcrsType, Datum: d.Datum,
		ZMode: d.ZMode, AxisOrder: d.AxisOrder, GeoidModel: geoidModel,
		Units: strPtr("metre"), ZoneFamily: d.ZoneFamily,
		UTMZone: d.UTMZone, UTMHemisphere: d.UTMHemisphere,
		BuiltProjJSON: built,
	}, nil
}

func (n *Normalizer) normalizeMSK(d Descriptor, geoidModel *string) (*Normalized, error) {
	if *d.Datum != "SK42" {
		return nil, apperrors.Validation("МСК requires datum=SK42")
	}
	if d.MSKRegion == nil || d.MSKZone == nil || d.MSKVariant == nil {
		return nil, apperrors.Validation("МСК requires msk_region, msk_zone and msk_variant")
	}

	region, ok := n.presets[*d.MSKRegion]
	if !ok {
		return nil, apperrors.Validation("no preset for MSK region %d", *d.MSKRegion)
	}
	zone, ok := region.Zones[*d.MSKZone]
	if !ok {
		return nil, apperrors.Validation("no preset for MSK region %d zone %d", *d.MSKRegion, *d.MSKZone)
	}

	lon0 := zone.Lon0
	if d.Lon0 != nil {
		lon0 = *d.Lon0
	}
	x0 := zone.X0
	if d.X0 != nil {
		x0 = *d.X0
	}
	y0 := zone.Y0
	if d.Y0 != nil {
		y0 = *d.Y0
	}
	lat0 := 0.0
	if d.Lat0 != nil {
		lat0 = *d.Lat0
	}
	k0 := 1.0
	if d.K0 != nil {
		k0 = *d.K0
	}

	baseJSON, err := n.oracle.FromEPSG(4284)
	if err != nil {
		return nil, err
	}
	var base map[string]any
	if err := json.Unmarshal([]byte(baseJSON), &base); err != nil {
		return nil, apperrors.Fatal("proj oracle returned malformed projjson for epsg:4284: %v", err)
	}

	projected := buildMSKProjected(base, lon0, x0, y0, lat0, k0)
	final := projected

	var towgs84 *string
	var helmert *string
	if *d.MSKVariant == "gost" {
		if d.HelmertConvention == nil || *d.HelmertConvention != HelmertPositionVector {
			return nil, apperrors.Validation("msk_variant=gost requires helmert_convention=position_vector")
		}
		helmert = d.HelmertConvention

		params := region.GostToWGS84
		if d.ToWGS84 != nil && *d.ToWGS84 != "" {
			params = *d.ToWGS84
		}
		if params == "" {
			return nil, apperrors.Validation("msk_variant=gost requires towgs84 (or a regional preset)")
		}
		towgs84 = &params

		targetJSON, err := n.oracle.FromEPSG(4326)
		if err != nil {
			return nil, err
		}
		var target map[string]any
		if err := json.Unmarshal([]byte(targetJSON), &target); err != nil {
			return nil, apperrors.Fatal("proj oracle returned malformed projjson for epsg:4326: %v", err)
		}

		final, err = wrapBoundCRS(projected, target, params)
		if err != nil {
			return nil, err
		}
	} else if *d.MSKVariant != "calc" {
		return nil, apperrors.Validation("msk_variant must be calc or gost, got %q", *d.MSKVariant)
	}

	finalJSON, err := canonicalJSON(final)
	if err != nil {
		return nil, err
	}
	built, err := n.oracle.FromJSON(finalJSON)
	if err != nil {
		return nil, err
	}

	return &Normalized{
		PayloadVersion: "v1", ModelVersion: "1.0",
		Source: SourceCustom, CcrsType: d.CcrsType, Datum: d.Datum,
		ZMode: d.ZMode, AxisOrder: d.AxisOrder, GeoidModel: geoidModel,
		Units: strPtr("metre"), ZoneFamily: d.ZoneFamily,
		Lon0: floatPtr(lon0), Lat0: floatPtr(lat0), K0: floatPtr(k0),
		X0: floatPtr(x0), Y0: floatPtr(y0),
		MSKRegion: d.MSKRegion, MSKZone: d.MSKZone, MSKVariant: d.MSKVariant,
		ToWGS84: towgs84, HelmertConvention: helmert,
		BuiltProjJSON: built,
	}, nil
}
