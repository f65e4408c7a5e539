// Package phase defines the canonical validation phases a task moves through
// and the per-task selection of which of them are active.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Key identifies a phase in the catalog.
type Key string

const (
	RequirementRefinement Key = "requirement_refinement"
	DesignGuidance        Key = "design_guidance"
	BuildGuidance         Key = "build_guidance"
	AcceptanceCriteria    Key = "acceptance_criteria"
	Deployment            Key = "deployment"
)

// Definition describes a single catalog phase.
type Definition struct {
	Key       Key    `json:"key"`
	Label     string `json:"label"`
	ShortCode string `json:"short_code"`
}

// catalog is ordered. The order drives advancement and rewind direction.
var catalog = []Definition{
	{Key: RequirementRefinement, Label: "Requirement Refinement", ShortCode: "RR"},
	{Key: DesignGuidance, Label: "Design Guidance", ShortCode: "DG"},
	{Key: BuildGuidance, Label: "Build Guidance", ShortCode: "BG"},
	{Key: AcceptanceCriteria, Label: "Acceptance Criteria", ShortCode: "AC"},
	{Key: Deployment, Label: "Deployment", ShortCode: "DEP"},
}

var (
	ErrUnknownPhase   = errors.New("unknown phase")
	ErrEmptySet       = errors.New("active phase set is empty")
	ErrDuplicatePhase = errors.New("duplicate phase")
)

// Catalog returns a copy of the canonical phase definitions in order.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Keys returns every catalog key in canonical order.
func Keys() []Key {
	out := make([]Key, len(catalog))
	for i, def := range catalog {
		out[i] = def.Key
	}
	return out
}

// Index returns the canonical position of key, or -1 if it is not in the catalog.
func Index(key Key) int {
	for i, def := range catalog {
		if def.Key == key {
			return i
		}
	}
	return -1
}

// Known reports whether key is a catalog phase.
func Known(key Key) bool {
	return Index(key) >= 0
}

// Lookup returns the definition for key.
func Lookup(key Key) (Definition, bool) {
	if i := Index(key); i >= 0 {
		return catalog[i], true
	}
	return Definition{}, false
}

// ParseKey accepts a key or a short code, case-insensitively.
func ParseKey(raw string) (Key, error) {
	v := strings.TrimSpace(raw)
	for _, def := range catalog {
		if strings.EqualFold(v, string(def.Key)) || strings.EqualFold(v, def.ShortCode) {
			return def.Key, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPhase, raw)
}

// Set is an ordered, non-empty selection of catalog phases in canonical order.
type Set []Key

// NewSet validates keys and returns them in canonical order. Unknown or
// repeated keys are rejected.
func NewSet(keys []Key) (Set, error) {
	if len(keys) == 0 {
		return nil, ErrEmptySet
	}
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if !Known(k) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, k)
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePhase, k)
		}
		seen[k] = struct{}{}
	}
	out := make(Set, 0, len(keys))
	for _, def := range catalog {
		if _, ok := seen[def.Key]; ok {
			out = append(out, def.Key)
		}
	}
	return out, nil
}

// ParseSet parses raw keys or short codes into a Set.
func ParseSet(raw []string) (Set, error) {
	keys := make([]Key, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		k, err := ParseKey(r)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return NewSet(keys)
}

// Full returns the whole catalog as a Set.
func Full() Set {
	return Set(Keys())
}

// Validate checks that s is non-empty, known, unique and canonically ordered.
func (s Set) Validate() error {
	if len(s) == 0 {
		return ErrEmptySet
	}
	prev := -1
	for _, k := range s {
		i := Index(k)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownPhase, k)
		}
		if i == prev {
			return fmt.Errorf("%w: %q", ErrDuplicatePhase, k)
		}
		if i < prev {
			return fmt.Errorf("phase %q out of canonical order", k)
		}
		prev = i
	}
	return nil
}

func (s Set) Contains(key Key) bool {
	return s.Position(key) >= 0
}

// Position returns the index of key within s, or -1.
func (s Set) Position(key Key) int {
	for i, k := range s {
		if k == key {
			return i
		}
	}
	return -1
}

// First returns the first active phase. s must be non-empty.
func (s Set) First() Key {
	return s[0]
}

// Last returns the terminal active phase. s must be non-empty.
func (s Set) Last() Key {
	return s[len(s)-1]
}

func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, k := range s {
		out[i] = string(k)
	}
	return out
}
