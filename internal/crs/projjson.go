package crs

import (
	"strconv"
	"strings"

	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

const (
	degreeToRadian    = 0.0174532925199433
	arcSecondToRadian = 4.84813681109536e-06
	partsPerMillion   = 1e-06
)

func angularDegree() map[string]any {
	return map[string]any{"type": "AngularUnit", "name": "degree", "conversion_factor": degreeToRadian}
}

func linearMetre() map[string]any {
	return map[string]any{"type": "LinearUnit", "name": "metre", "conversion_factor": 1.0}
}

func transverseMercatorConversion(name string, lat0, lon0, k0, x0, y0 float64) map[string]any {
	return map[string]any{
		"type":   "Conversion",
		"name":   name,
		"method": map[string]any{"name": "Transverse Mercator", "id": map[string]any{"authority": "EPSG", "code": 9807}},
		"parameters": []any{
			map[string]any{"name": "Latitude of natural origin", "value": lat0, "unit": angularDegree(),
				"id": map[string]any{"authority": "EPSG", "code": 8801}},
			map[string]any{"name": "Longitude of natural origin", "value": lon0, "unit": angularDegree(),
				"id": map[string]any{"authority": "EPSG", "code": 8802}},
			map[string]any{"name": "Scale factor at natural origin", "value": k0,
				"unit": map[string]any{"type": "ScaleUnit", "name": "unity", "conversion_factor": 1.0},
				"id":   map[string]any{"authority": "EPSG", "code": 8805}},
			map[string]any{"name": "False easting", "value": x0, "unit": linearMetre(),
				"id": map[string]any{"authority": "EPSG", "code": 8806}},
			map[string]any{"name": "False northing", "value": y0, "unit": linearMetre(),
				"id": map[string]any{"authority": "EPSG", "code": 8807}},
		},
	}
}

func cartesianPlaneCS() map[string]any {
	return map[string]any{
		"type":    "CartesianCS",
		"subtype": "plane",
		"axis": []any{
			map[string]any{"name": "Easting", "abbreviation": "E", "direction": "east", "unit": linearMetre()},
			map[string]any{"name": "Northing", "abbreviation": "N", "direction": "north", "unit": linearMetre()},
		},
	}
}

// buildMSKProjected assembles the ProjectedCRS document for an MSK zone:
// Transverse Mercator over Pulkovo-1942 with preset-derived parameters.
func buildMSKProjected(base map[string]any, lon0, x0, y0, lat0, k0 float64) map[string]any {
	return map[string]any{
		"type":              "ProjectedCRS",
		"name":              "MSK (custom, SK42/Krassovsky)",
		"base_crs":          base,
		"conversion":        transverseMercatorConversion("Transverse Mercator", lat0, lon0, k0, x0, y0),
		"coordinate_system": cartesianPlaneCS(),
	}
}

// parseToWGS84 splits a 7-parameter Helmert string
// "dx,dy,dz,rx,ry,rz,ds" into its numbers.
func parseToWGS84(s string) ([7]float64, error) {
	parts := strings.Split(s, ",")
	var vals [7]float64
	if len(parts) != 7 {
		return vals, apperrors.Validation("towgs84 must contain 7 numbers: dx,dy,dz,rx,ry,rz,ds")
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return vals, apperrors.Validation("towgs84 component %d is not a number: %q", i+1, p)
		}
		vals[i] = v
	}
	return vals, nil
}

// wrapBoundCRS wraps a projected CRS in a BoundCRS carrying the
// Position Vector 7-parameter transformation to WGS84. Translations are
// metres, rotations arc-seconds, scale parts per million.
func wrapBoundCRS(projected, target map[string]any, towgs84 string) (map[string]any, error) {
	vals, err := parseToWGS84(towgs84)
	if err != nil {
		return nil, err
	}
	arcSecond := func() map[string]any {
		return map[string]any{"type": "AngularUnit", "name": "arc-second", "conversion_factor": arcSecondToRadian}
	}
	return map[string]any{
		"type":       "BoundCRS",
		"source_crs": projected,
		"target_crs": target,
		"transformation": map[string]any{
			"type": "Transformation",
			"name": "towgs84 (7-parameter Helmert)",
			"method": map[string]any{
				"name": "Position Vector transformation (geocentric domain)",
				"id":   map[string]any{"authority": "EPSG", "code": 1033},
			},
			"parameters": []any{
				map[string]any{"name": "X-axis translation", "value": vals[0], "unit": linearMetre()},
				map[string]any{"name": "Y-axis translation", "value": vals[1], "unit": linearMetre()},
				map[string]any{"name": "Z-axis translation", "value": vals[2], "unit": linearMetre()},
				map[string]any{"name": "X-axis rotation", "value": vals[3], "unit": arcSecond()},
				map[string]any{"name": "Y-axis rotation", "value": vals[4], "unit": arcSecond()},
				map[string]any{"name": "Z-axis rotation", "value": vals[5], "unit": arcSecond()},
				map[string]any{"name": "Scale difference", "value": vals[6],
					"unit": map[string]any{"type": "ScaleUnit", "name": "parts per million", "conversion_factor": partsPerMillion}},
			},
		},
	}, nil
}
