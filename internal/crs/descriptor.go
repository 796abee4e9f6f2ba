// Package crs normalizes heterogeneous CRS descriptors into canonical
// PROJJSON. A descriptor is a tagged union over its crs_source; the
// custom branch carries the lat-lon / UTM / MSK zoo used by field crews.
package crs

// Descriptor sources.
const (
	SourceEPSG     = "epsg"
	SourceWKT      = "wkt"
	SourceProjJSON = "projjson"
	SourceCustom   = "custom"
)

// Custom descriptor types.
const (
	TypeLatLon     = "latlon"
	TypeProjection = "projection"
)

// Zone families of projected custom descriptors.
const (
	ZoneFamilyUTM = "UTM"
	ZoneFamilyGK  = "GK"
	ZoneFamilyMSK = "МСК"
)

// Vertical handling modes.
const (
	ZModeEllipsoidal = "ellipsoidal"
	ZModeOrthometric = "orthometric"
)

// HelmertPositionVector is the only accepted Helmert rotation convention.
const HelmertPositionVector = "position_vector"

// Descriptor is the inbound CRS request. Exactly the fields of
// the selected source branch may be set; the normalizer rejects strays.
type Descriptor struct {
	Source string `json:"crs_source"`

	EPSGCode *int    `json:"epsg_code,omitempty"`
	WKT      *string `json:"wkt_str,omitempty"`
	ProjJSON *string `json:"projjson_str,omitempty"`

	CcrsType   *string `json:"ccrs_type,omitempty"`
	Datum      *string `json:"datum,omitempty"`
	ZMode      *string `json:"z_mode,omitempty"`
	AxisOrder  *string `json:"axis_order,omitempty"`
	GeoidModel *string `json:"geoid_model,omitempty"`

	ZoneFamily    *string `json:"zone_family,omitempty"`
	UTMZone       *int    `json:"utm_zone,omitempty"`
	UTMHemisphere *string `json:"utm_hemisphere,omitempty"`
	GKWidth       *int    `json:"gk_width,omitempty"`
	GKNumber      *int    `json:"gk_number,omitempty"`

	Lon0 *float64 `json:"lon_0,omitempty"`
	Lat0 *float64 `json:"lat_0,omitempty"`
	K0   *float64 `json:"k0,omitempty"`
	X0   *float64 `json:"x_0,omitempty"`
	Y0   *float64 `json:"y_0,omitempty"`

	MSKRegion         *int    `json:"msk_region,omitempty"`
	MSKZone           *int    `json:"msk_zone,omitempty"`
	MSKVariant        *string `json:"msk_variant,omitempty"`
	ToWGS84           *string `json:"towgs84,omitempty"`
	HelmertConvention *string `json:"helmert_convention,omitempty"`
}

// Normalized is the fully resolved CRS record. BuiltProjJSON is the
// canonical serialization every downstream stage consumes.
type Normalized struct {
	PayloadVersion string `json:"payload_version"`
	ModelVersion   string `json:"model_version"`

	Source string `json:"crs_source"`

	EPSGCode *int    `json:"epsg_code,omitempty"`
	WKT      *string `json:"wkt_str,omitempty"`
	ProjJSON *string `json:"projjson_str,omitempty"`

	CcrsType   *string `json:"ccrs_type,omitempty"`
	Datum      *string `json:"datum,omitempty"`
	ZMode      *string `json:"z_mode,omitempty"`
	AxisOrder  *string `json:"axis_order,omitempty"`
	GeoidModel *string `json:"geoid_model,omitempty"`

	ZoneFamily    *string `json:"zone_family,omitempty"`
	UTMZone       *int    `json:"utm_zone,omitempty"`
	UTMHemisphere *string `json:"utm_hemisphere,omitempty"`

	Lon0 *float64 `json:"lon_0,omitempty"`
	Lat0 *float64 `json:"lat_0,omitempty"`
	K0   *float64 `json:"k0,omitempty"`
	X0   *float64 `json:"x_0,omitempty"`
	Y0   *float64 `json:"y_0,omitempty"`

	MSKRegion         *int    `json:"msk_region,omitempty"`
	MSKZone           *int    `json:"msk_zone,omitempty"`
	MSKVariant        *string `json:"msk_variant,omitempty"`
	ToWGS84           *string `json:"towgs84,omitempty"`
	HelmertConvention *string `json:"helmert_convention,omitempty"`

	Units         *string `json:"units,omitempty"`
	BuiltProjJSON string  `json:"built_crs_projjson"`
}

func strPtr(s string) *string     { return &s }
func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
