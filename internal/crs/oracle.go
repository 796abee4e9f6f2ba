package crs

import (
	"encoding/json"
	"fmt"

	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

// Oracle is the PROJ port. Implementations turn EPSG codes, WKT strings
// and PROJJSON documents into canonical PROJJSON. The output is trusted,
// not re-verified.
type Oracle interface {
	FromEPSG(code int) (string, error)
	FromWKT(wkt string) (string, error)
	FromJSON(projjson string) (string, error)
}

// localOracle serves the EPSG codes the platform actually uses without
// an external PROJ process: the geographic datums of the custom branch
// and the parametric WGS84 UTM grid. WKT input needs a real PROJ
// binding and is rejected here.
type localOracle struct{}

var _ Oracle = (*localOracle)(nil)

// NewLocalOracle creates the built-in PROJ oracle.
func NewLocalOracle() Oracle {
	return &localOracle{}
}

type geographicDef struct {
	name          string
	datum         string
	ellipsoidName string
	semiMajor     float64
	invFlattening float64
}

var geographicDefs = map[int]geographicDef{
	4326: {"WGS 84", "World Geodetic System 1984", "WGS 84", 6378137, 298.257223563},
	4490: {"China Geodetic Coordinate System 2000", "China 2000", "CGCS2000", 6378137, 298.257222101},
	4284: {"Pulkovo 1942", "Pulkovo 1942", "Krassowsky 1940", 6378245, 298.3},
}

// GeographicProjJSON builds the GeographicCRS document for a supported
// EPSG code as a generic JSON object.
func GeographicProjJSON(code int) (map[string]any, error) {
	def, ok := geographicDefs[code]
	if !ok {
		return nil, fmt.Errorf("epsg:%d is not a supported geographic crs", code)
	}
	return map[string]any{
		"type": "GeographicCRS",
		"name": def.name,
		"datum": map[string]any{
			"type": "GeodeticReferenceFrame",
			"name": def.datum,
			"ellipsoid": map[string]any{
				"name":               def.ellipsoidName,
				"semi_major_axis":    def.semiMajor,
				"inverse_flattening": def.invFlattening,
			},
		},
		"coordinate_system": map[string]any{
			"type":    "EllipsoidalCS",
			"subtype": "ellipsoidal",
			"axis": []any{
				map[string]any{
					"name": "Geodetic latitude", "abbreviation": "Lat", "direction": "north",
					"unit": "degree",
				},
				map[string]any{
					"name": "Geodetic longitude", "abbreviation": "Lon", "direction": "east",
					"unit": "degree",
				},
			},
		},
		"id": map[string]any{"authority": "EPSG", "code": code},
	}, nil
}

func (o *localOracle) FromEPSG(code int) (string, error) {
	if doc, err := GeographicProjJSON(code); err == nil {
		return canonicalJSON(doc)
	}

	// WGS84 UTM grid: 326xx north, 327xx south.
	if zone := code - 32600; zone >= 1 && zone <= 60 {
		return canonicalJSON(utmProjJSON(code, zone, "N"))
	}
	if zone := code - 32700; zone >= 1 && zone <= 60 {
		return canonicalJSON(utmProjJSON(code, zone, "S"))
	}
	return "", apperrors.Fatal("epsg:%d is not known to the local proj oracle", code)
}

func (o *localOracle) FromWKT(string) (string, error) {
	return "", apperrors.Fatal("wkt descriptors require an external proj oracle")
}

// FromJSON canonicalizes a PROJJSON document: it must parse as a JSON
// object with a type field, and is re-serialized with sorted keys.
func (o *localOracle) FromJSON(projjson string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(projjson), &doc); err != nil {
		return "", apperrors.Validation("projjson is not a json object: %v", err)
	}
	if _, ok := doc["type"].(string); !ok {
		return "", apperrors.Validation("projjson document has no type field")
	}
	return canonicalJSON(doc)
}

func utmProjJSON(code, zone int, hemisphere string) map[string]any {
	base, _ := GeographicProjJSON(4326)
	falseNorthing := 0.0
	if hemisphere == "S" {
		falseNorthing = 10000000.0
	}
	lon0 := float64(zone*6 - 183)
	return map[string]any{
		"type":     "ProjectedCRS",
		"name":     fmt.Sprintf("WGS 84 / UTM zone %d%s", zone, hemisphere),
		"base_crs": base,
		"conversion": transverseMercatorConversion(
			fmt.Sprintf("UTM zone %d%s", zone, hemisphere),
			0, lon0, 0.9996, 500000, falseNorthing,
		),
		"coordinate_system": cartesianPlaneCS(),
		"id":                map[string]any{"authority": "EPSG", "code": code},
	}
}

// canonicalJSON serializes with sorted object keys, making equal
// documents byte-identical.
func canonicalJSON(doc any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize projjson: %w", err)
	}
	return string(b), nil
}
