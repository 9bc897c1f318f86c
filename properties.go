package occa

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/EMinsight/occa/cache"
)

// Properties configure devices, memory allocations and kernel builds.
//
// Values are usually string, bool, int64, float64 or a nested Properties (e.g. "defines"). Properties given to a
// Device at setup are merged with the properties of every build, the latter taking precedence.
type Properties map[string]any

// Well known property keys.
const (
	// PropMode selects the backend (see RegisterMode), e.g. "Serial".
	PropMode = "mode"

	// PropUVA enables unified virtual addressing emulation: "enabled" or true.
	PropUVA = "uva"

	// PropVerbose narrates kernel compilations. Defaults to the environment variable VerboseEnv.
	PropVerbose = "verbose"

	// PropLanguage is the language of sources given as strings: "OKL" (default), "OFL" or "Native".
	PropLanguage = "language"

	// PropDefines holds a nested Properties with the compiler definitions of a build.
	PropDefines = "defines"
)

// ParseProperties parses a comma separated list of key=value pairs, e.g. "mode=Serial, uva=enabled".
//
// Values "true"/"false" become bool, integers become int64, other numbers float64 and everything else a string,
// with surrounding quotes removed. Keys with a dot ("defines.N=3") are stored in nested Properties.
func ParseProperties(s string) (Properties, error) {
	p := make(Properties)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			key, value, found = strings.Cut(pair, ":")
		}
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, invalidArgumentf("malformed property %q in %q, expected key=value", pair, s)
		}
		p.set(strings.Split(key, "."), parseValue(strings.TrimSpace(value)))
	}
	return p, nil
}

// MustParseProperties is like ParseProperties, but panics on error.
func MustParseProperties(s string) Properties {
	p, err := ParseProperties(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseValue(value string) any {
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		return value[1 : len(value)-1]
	}
	if value == "true" || value == "false" {
		return value == "true"
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func (p Properties) set(path []string, value any) {
	if len(path) == 1 {
		p[path[0]] = value
		return
	}
	sub, ok := p[path[0]].(Properties)
	if !ok {
		sub = make(Properties)
		p[path[0]] = sub
	}
	sub.set(path[1:], value)
}

// asProperties accepts nested values given either as Properties or as plain maps.
func asProperties(value any) (Properties, bool) {
	switch sub := value.(type) {
	case Properties:
		return sub, true
	case map[string]any:
		return Properties(sub), true
	}
	return nil, false
}

// Clone returns a deep copy of the properties: nested Properties are cloned as well.
func (p Properties) Clone() Properties {
	c := make(Properties, len(p))
	for key, value := range p {
		if sub, ok := asProperties(value); ok {
			value = sub.Clone()
		}
		c[key] = value
	}
	return c
}

// Merge returns a new Properties with the contents of p overridden by other.
// Nested Properties present in both are merged recursively. Neither p nor other are modified.
func (p Properties) Merge(other Properties) Properties {
	merged := p.Clone()
	for key, value := range other {
		if sub, ok := asProperties(value); ok {
			if current, ok := merged[key].(Properties); ok {
				merged[key] = current.Merge(sub)
				continue
			}
			value = sub.Clone()
		}
		merged[key] = value
	}
	return merged
}

// Has returns whether key is set.
func (p Properties) Has(key string) bool {
	_, found := p[key]
	return found
}

// GetString returns the value of key as a string, or defaultValue if not set.
func (p Properties) GetString(key, defaultValue string) string {
	value, found := p[key]
	if !found || value == nil {
		return defaultValue
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// GetBool returns the value of key as a bool, or defaultValue if not set or not a boolean.
// Strings "true", "enabled", "on", "yes" and "1" (in any case) are true.
func (p Properties) GetBool(key string, defaultValue bool) bool {
	switch value := p[key].(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "enabled", "on", "yes", "1":
			return true
		case "false", "disabled", "off", "no", "0":
			return false
		}
	case int64:
		return value != 0
	case int:
		return value != 0
	}
	return defaultValue
}

// GetInt returns the value of key as an int64, or defaultValue if not set or not an integer.
func (p Properties) GetInt(key string, defaultValue int64) int64 {
	switch value := p[key].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case uint64:
		return int64(value)
	case float64:
		return int64(value)
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// Defines returns the nested compiler definitions, or nil if there are none.
func (p Properties) Defines() Properties {
	defines, _ := asProperties(p[PropDefines])
	return defines
}

// WithDefine returns a copy of p with the compiler definition name=value added.
func (p Properties) WithDefine(name string, value any) Properties {
	return p.Merge(Properties{PropDefines: Properties{name: value}})
}

// Hash returns a deterministic hash of the properties: equal properties (regardless of map order) have equal
// hashes.
func (p Properties) Hash() cache.Hash {
	return cache.HashString(p.String())
}

// String returns a canonical representation, with keys sorted, e.g. `{defines: {N: 3}, mode: "Serial"}`.
func (p Properties) String() string {
	var sb strings.Builder
	p.writeTo(&sb)
	return sb.String()
}

func (p Properties) writeTo(sb *strings.Builder) {
	sb.WriteByte('{')
	for ii, key := range slices.Sorted(maps.Keys(p)) {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(key)
		sb.WriteString(": ")
		if sub, ok := asProperties(p[key]); ok {
			sub.writeTo(sb)
			continue
		}
		switch value := p[key].(type) {
		case string:
			sb.WriteString(strconv.Quote(value))
		default:
			_, _ = fmt.Fprintf(sb, "%v", value)
		}
	}
	sb.WriteByte('}')
}
