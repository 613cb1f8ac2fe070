package logging

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Spec is a base level plus per-component overrides, written as
// "<level>[,<component>=<level>]...".
type Spec struct {
	Base       Level
	Components map[string]Level
}

// ParseSpec parses a spec string. The empty string means info for
// every component. A bare level may only appear first.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: LevelInfo, Components: map[string]Level{}}
	for i, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, value, isOverride := strings.Cut(field, "=")
		if !isOverride {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", field)
			}
			l, err := ParseLevel(field)
			if err != nil {
				return spec, err
			}
			spec.Base = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("missing component name in %q", field)
		}
		l, err := ParseLevel(value)
		if err != nil {
			return spec, fmt.Errorf("component %s: %w", name, err)
		}
		spec.Components[name] = l
	}
	return spec, nil
}

// LevelFor returns the level in force for component.
func (s Spec) LevelFor(component string) Level {
	if l, ok := s.Components[component]; ok {
		return l
	}
	return s.Base
}

// String formats the spec so that ParseSpec reads it back. Overrides
// are listed in name order.
func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(s.Base.String())
	for _, name := range slices.Sorted(maps.Keys(s.Components)) {
		fmt.Fprintf(&b, ",%s=%s", name, s.Components[name])
	}
	return b.String()
}
