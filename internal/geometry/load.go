package geometry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// slotRecord is one entry of the geometry file. JSON files parse as YAML.
type slotRecord struct {
	Points [][]float64 `yaml:"points"`
}

// Load reads a geometry file: a list of records, each with a "points" list
// of [x, y] pairs. Record order defines slot ids.
func Load(path, prefix string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geometry file: %w", err)
	}
	return Parse(data, prefix)
}

// Parse decodes geometry records from data.
func Parse(data []byte, prefix string) (*Store, error) {
	var records []slotRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse geometry: %w", err)
	}

	polygons := make([]Polygon, 0, len(records))
	for i, rec := range records {
		poly := make(Polygon, 0, len(rec.Points))
		for j, pt := range rec.Points {
			if len(pt) != 2 {
				return nil, fmt.Errorf("slot %d: point %d must be [x,y], got %v", i+1, j, pt)
			}
			poly = append(poly, Point{X: pt[0], Y: pt[1]})
		}
		polygons = append(polygons, poly)
	}

	return NewStore(polygons, prefix)
}
