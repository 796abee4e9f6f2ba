package crs

import (
	_ "embed"
	"fmt"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed msk_presets.yaml
var mskPresetsYAML []byte

// MSKZonePreset holds the Transverse Mercator parameters of one MSK zone.
type MSKZonePreset struct {
	Lon0 float64
	X0   float64
	Y0   float64
}

// MSKRegionPreset holds the zones of one region plus its optional GOST
// Helmert parameters.
type MSKRegionPreset struct {
	Zones       map[int]MSKZonePreset
	GostToWGS84 string
}

var (
	mskPresetsOnce sync.Once
	mskPresets     map[int]MSKRegionPreset
	mskPresetsErr  error
)

// LoadMSKPresets returns the embedded regional preset table, parsed once
// per process. The table is immutable after loading.
func LoadMSKPresets() (map[int]MSKRegionPreset, error) {
	mskPresetsOnce.Do(func() {
		mskPresets, mskPresetsErr = ParseMSKPresets(mskPresetsYAML)
	})
	return mskPresets, mskPresetsErr
}

type yamlZone struct {
	Lon0 float64 `yaml:"lon_0"`
	X0   float64 `yaml:"x_0"`
	Y0   float64 `yaml:"y_0"`
}

// ParseMSKPresets parses the preset YAML:
// region -> { <region>: { gost_towgs84?: str, <zone>: {lon_0, x_0, y_0} } }.
func ParseMSKPresets(data []byte) (map[int]MSKRegionPreset, error) {
	var doc struct {
		Region map[string]map[string]yaml.Node `yaml:"region"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse msk presets: %w", err)
	}
	if doc.Region == nil {
		return nil, fmt.Errorf("msk presets: expected top-level key 'region'")
	}

	out := make(map[int]MSKRegionPreset, len(doc.Region))
	for regionKey, regionVal := range doc.Region {
		regionID, err := strconv.Atoi(regionKey)
		if err != nil {
			return nil, fmt.Errorf("msk presets: region key %q is not a number", regionKey)
		}

		preset := MSKRegionPreset{Zones: map[int]MSKZonePreset{}}
		for zoneKey, node := range regionVal {
			if zoneKey == "gost_towgs84" {
				if err := node.Decode(&preset.GostToWGS84); err != nil {
					return nil, fmt.Errorf("msk presets: region %d gost_towgs84: %w", regionID, err)
				}
				continue
			}
			zoneID, err := strconv.Atoi(zoneKey)
			if err != nil {
				return nil, fmt.Errorf("msk presets: region %d zone key %q is not a number", regionID, zoneKey)
			}
			var z yamlZone
			if err := node.Decode(&z); err != nil {
				return nil, fmt.Errorf("msk presets: region %d zone %d: %w", regionID, zoneID, err)
			}
			preset.Zones[zoneID] = MSKZonePreset{Lon0: z.Lon0, X0: z.X0, Y0: z.Y0}
		}
		out[regionID] = preset
	}
	return out, nil
}
