// Package theme holds the shared theme map, the built-in preset table, and
// the store that applies client mutations to the live theme.
package theme

import "maps"

// Theme maps a style variable name to an opaque scalar value (number,
// string, or color text). There is no fixed schema.
type Theme map[string]any

// Clone returns a shallow copy. A nil Theme clones to an empty one so the
// result is always safe to write to.
func (t Theme) Clone() Theme {
	if t == nil {
		return Theme{}
	}
	return maps.Clone(t)
}

// Store owns the single live Theme. It is not safe for concurrent use; the
// hub event loop is its only caller.
type Store struct {
	current Theme
	presets Presets
}

// NewStore creates a store whose live theme starts as a copy of the
// Default preset.
func NewStore(presets Presets) *Store {
	return &Store{
		current: presets[PresetDefault].Clone(),
		presets: presets,
	}
}

// Full returns a copy of the live theme.
func (s *Store) Full() Theme {
	return s.current.Clone()
}

// SetVariable sets or overwrites one variable in place.
func (s *Store) SetVariable(name string, value any) {
	s.current[name] = value
}

// Replace swaps the live theme for a copy of t. Keys missing from t are gone
// afterwards.
func (s *Store) Replace(t Theme) {
	s.current = t.Clone()
}

// ResetToPreset replaces the live theme with a copy of the named preset.
// Unknown names leave the theme untouched and report false.
func (s *Store) ResetToPreset(name string) bool {
	p, ok := s.presets[name]
	if !ok {
		return false
	}
	s.current = p.Clone()
	return true
}

// Presets returns the read-only preset table.
func (s *Store) Presets() Presets {
	return s.presets
}
