package engine

import (
	"fmt"
	"sort"
	"strings"
)

type temperatureKind uint8

const (
	tempUnset temperatureKind = iota
	tempScalar
	tempPerMode
)

// TemperatureProfile is the configured temperature: either one legacy scalar
// for every mode or a per-mode map. It is resolved once at config load.
type TemperatureProfile struct {
	kind    temperatureKind
	scalar  float64
	perMode map[string]float64
}

// ScalarTemperature returns a profile that applies v to every mode.
func ScalarTemperature(v float64) TemperatureProfile {
	return TemperatureProfile{kind: tempScalar, scalar: v}
}

// PerModeTemperature returns a profile keyed by mode name.
func PerModeTemperature(m map[string]float64) TemperatureProfile {
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return TemperatureProfile{kind: tempPerMode, perMode: cp}
}

// ParseTemperature converts a decoded config value (number, map or nil) into
// a profile. Map values must be numbers.
func ParseTemperature(v any) (TemperatureProfile, error) {
	switch t := v.(type) {
	case nil:
		return TemperatureProfile{}, nil
	case float64:
		return ScalarTemperature(t), nil
	case float32:
		return ScalarTemperature(float64(t)), nil
	case int:
		return ScalarTemperature(float64(t)), nil
	case int64:
		return ScalarTemperature(float64(t)), nil
	case map[string]float64:
		return PerModeTemperature(t), nil
	case map[string]any:
		m := make(map[string]float64, len(t))
		for k, raw := range t {
			f, ok := toFloat(raw)
			if !ok {
				return TemperatureProfile{}, fmt.Errorf("temperature for mode %q: want number, got %T", k, raw)
			}
			m[k] = f
		}
		return PerModeTemperature(m), nil
	default:
		return TemperatureProfile{}, fmt.Errorf("temperature: want number or map, got %T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsScalar reports whether the profile is a legacy scalar.
func (p TemperatureProfile) IsScalar() bool { return p.kind == tempScalar }

// IsZero reports whether nothing was configured.
func (p TemperatureProfile) IsZero() bool { return p.kind == tempUnset }

// Resolve picks the temperature for one call. Precedence: the per-call
// override, then the per-mode map entry, then the mode's own temperature,
// then the legacy scalar, then def.
func (p TemperatureProfile) Resolve(mode string, override, modeTemp *float64, def float64) float64 {
	if override != nil {
		return *override
	}
	if p.kind == tempPerMode {
		if v, ok := p.perMode[mode]; ok {
			return v
		}
	}
	if modeTemp != nil {
		return *modeTemp
	}
	if p.kind == tempScalar {
		return p.scalar
	}
	return def
}

func (p TemperatureProfile) String() string {
	switch p.kind {
	case tempScalar:
		return fmt.Sprintf("%g", p.scalar)
	case tempPerMode:
		keys := make([]string, 0, len(p.perMode))
		for k := range p.perMode {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%g", k, p.perMode[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return "unset"
}
