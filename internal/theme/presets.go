package theme

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Preset names every table must provide.
const (
	PresetDefault = "Default"
	PresetWarm    = "Warm"
	PresetCold    = "Cold"
	PresetJoyful  = "Joyful"
	PresetCarbon  = "Carbon"
)

// RequiredPresets lists the names LoadPresets insists on.
var RequiredPresets = []string{PresetDefault, PresetWarm, PresetCold, PresetJoyful, PresetCarbon}

// DefaultCycle is the set the inactivity watchdog picks from.
var DefaultCycle = []string{PresetWarm, PresetCold, PresetJoyful, PresetCarbon}

//go:embed presets.yaml
var builtinPresets []byte

// Presets is the named table of template themes. It is never mutated after
// loading; consumers copy a preset before changing it.
type Presets map[string]Theme

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// BuiltinPresets parses the embedded preset table.
func BuiltinPresets() (Presets, error) {
	return ParsePresets(builtinPresets)
}

// LoadPresets reads a preset table from a YAML file. An empty path selects
// the embedded table.
func LoadPresets(path string) (Presets, error) {
	if path == "" {
		return BuiltinPresets()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets decodes a YAML document of the form
//
//	Name:
//	  variable: value
//
// and checks that every required preset is present.
func ParsePresets(data []byte) (Presets, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}

	presets := make(Presets, len(raw))
	for name, vars := range raw {
		presets[name] = Theme(vars).Clone()
	}

	var missing []string
	for _, name := range RequiredPresets {
		if _, ok := presets[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("presets missing required entries: %v", missing)
	}
	return presets, nil
}
