package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// SensorsFile is the YAML document listing sensors to track at startup:
//
//	sensors:
//	  - "1001"
//	  - "2002"
type SensorsFile struct {
	Sensors []string `yaml:"sensors"`
}

// LoadSensors reads the sensor ids from path, trimmed and de-duplicated in file order.
func LoadSensors(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensors file: %w", err)
	}
	var f SensorsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse sensors file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Sensors))
	ids := make([]string, 0, len(f.Sensors))
	for _, id := range f.Sensors {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}
