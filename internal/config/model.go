package config

import (
	"encoding/json"
	"fmt"
)

// ModelSpec is an agent's model field. The config file allows two shapes:
//
//	"model": "anthropic/claude-opus-4"
//	"model": { "primary": "...", "fallbacks": ["..."] }
//
// The fallbacks field is tri-state: absent (inherit global defaults),
// present-empty (explicitly disable inherited fallbacks), or
// present-nonempty (override). Collapsing absent and empty would silently
// re-enable inherited fallbacks for agents that opted out, so the pointer
// distinction must survive every marshal/unmarshal round-trip.
type ModelSpec struct {
	Primary   string
	Fallbacks *[]string

	// Bare records that the field was written as a plain string, so it
	// round-trips in the same shape and never gains a fallbacks override.
	Bare bool
}

// BareModel returns the string-form spec for the given primary.
func BareModel(primary string) *ModelSpec {
	return &ModelSpec{Primary: primary, Bare: true}
}

// ObjectModel returns the object-form spec. Pass nil fallbacks to inherit,
// an empty non-nil slice to disable inheritance.
func ObjectModel(primary string, fallbacks *[]string) *ModelSpec {
	return &ModelSpec{Primary: primary, Fallbacks: fallbacks}
}

func (m *ModelSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Primary = s
		m.Fallbacks = nil
		m.Bare = true
		return nil
	}
	var obj struct {
		Primary   string    `json:"primary"`
		Fallbacks *[]string `json:"fallbacks"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("model must be a string or {primary, fallbacks}: %w", err)
	}
	m.Primary = obj.Primary
	m.Fallbacks = obj.Fallbacks
	m.Bare = false
	return nil
}

func (m ModelSpec) MarshalJSON() ([]byte, error) {
	if m.Bare {
		return json.Marshal(m.Primary)
	}
	obj := make(map[string]any, 2)
	if m.Primary != "" {
		obj["primary"] = m.Primary
	}
	if m.Fallbacks != nil {
		fb := *m.Fallbacks
		if fb == nil {
			fb = []string{}
		}
		obj["fallbacks"] = fb
	}
	return json.Marshal(obj)
}

// HasFallbacksOverride reports whether the model carries an explicit
// fallbacks field (including the explicit empty list).
func (m *ModelSpec) HasFallbacksOverride() bool {
	return m != nil && !m.Bare && m.Fallbacks != nil
}
