package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// AnyValue is a JSON-isomorphic value used wherever the wire schema is
// open-ended (params, payloads, policy maps). It holds exactly one of:
// nil, bool, int64, float64, string, []AnyValue or map[string]AnyValue.
//
// Unlike decoding into a plain `any`, AnyValue keeps the integer vs
// floating-point distinction the source JSON made: 7 stays an int64 and
// re-encodes as "7", while 7.0 stays a float64 and re-encodes as "7.0".
type AnyValue struct {
	value any
}

// Constructors.

func Null() AnyValue               { return AnyValue{} }
func BoolVal(b bool) AnyValue      { return AnyValue{value: b} }
func IntVal(n int64) AnyValue      { return AnyValue{value: n} }
func FloatVal(f float64) AnyValue  { return AnyValue{value: f} }
func StringVal(s string) AnyValue  { return AnyValue{value: s} }
func ListVal(l []AnyValue) AnyValue {
	return AnyValue{value: l}
}
func MapVal(m map[string]AnyValue) AnyValue {
	return AnyValue{value: m}
}

// Accessors. The second return reports whether the value has that kind;
// Float additionally accepts integers.

func (v AnyValue) IsNull() bool { return v.value == nil }

func (v AnyValue) Bool() (bool, bool) {
	b, ok := v.value.(bool)
	return b, ok
}

func (v AnyValue) Int() (int64, bool) {
	n, ok := v.value.(int64)
	return n, ok
}

func (v AnyValue) Float() (float64, bool) {
	switch n := v.value.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (v AnyValue) String() (string, bool) {
	s, ok := v.value.(string)
	return s, ok
}

func (v AnyValue) List() ([]AnyValue, bool) {
	l, ok := v.value.([]AnyValue)
	return l, ok
}

func (v AnyValue) Map() (map[string]AnyValue, bool) {
	m, ok := v.value.(map[string]AnyValue)
	return m, ok
}

// Get looks up a key on a map value. Returns Null when the value is not a
// map or the key is absent.
func (v AnyValue) Get(key string) AnyValue {
	if m, ok := v.Map(); ok {
		return m[key]
	}
	return Null()
}

// Equal reports structural equality. Map key order is irrelevant; int64 and
// float64 values never compare equal, mirroring the wire distinction.
func (v AnyValue) Equal(other AnyValue) bool {
	switch a := v.value.(type) {
	case nil:
		return other.value == nil
	case bool:
		b, ok := other.value.(bool)
		return ok && a == b
	case int64:
		b, ok := other.value.(int64)
		return ok && a == b
	case float64:
		b, ok := other.value.(float64)
		return ok && a == b
	case string:
		b, ok := other.value.(string)
		return ok && a == b
	case []AnyValue:
		b, ok := other.value.([]AnyValue)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case map[string]AnyValue:
		b, ok := other.value.(map[string]AnyValue)
		if !ok || len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, present := b[k]
			if !present || !av.Equal(bv) {
				return false
			}
		}
		return true
	}
	return false
}

// UnmarshalJSON decodes trying, in order: null, bool, number (int before
// float), string, list, map.
func (v *AnyValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return fmt.Errorf("anyvalue: empty input")
	}

	switch trimmed[0] {
	case 'n':
		if trimmed != "null" {
			return fmt.Errorf("anyvalue: invalid literal %q", trimmed)
		}
		v.value = nil
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		v.value = b
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.value = s
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		list := make([]AnyValue, len(raw))
		for i, item := range raw {
			if err := list[i].UnmarshalJSON(item); err != nil {
				return err
			}
		}
		v.value = list
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		m := make(map[string]AnyValue, len(raw))
		for k, item := range raw {
			var mv AnyValue
			if err := mv.UnmarshalJSON(item); err != nil {
				return err
			}
			m[k] = mv
		}
		v.value = m
		return nil
	default:
		num, err := decodeNumber(trimmed)
		if err != nil {
			return err
		}
		v.value = num
		return nil
	}
}

// decodeNumber keeps integers as int64 when the literal carries no fraction
// or exponent and fits; everything else becomes float64.
func decodeNumber(lit string) (any, error) {
	if !strings.ContainsAny(lit, ".eE") {
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("anyvalue: invalid number %q: %w", lit, err)
	}
	return f, nil
}

// MarshalJSON inverts UnmarshalJSON symmetrically. Integral floats are
// written with an explicit fraction so they decode back as floats.
func (v AnyValue) MarshalJSON() ([]byte, error) {
	switch a := v.value.(type) {
	case nil:
		return []byte("null"), nil
	case bool, string:
		return json.Marshal(a)
	case int64:
		return []byte(strconv.FormatInt(a, 10)), nil
	case float64:
		return []byte(formatFloat(a)), nil
	case []AnyValue:
		parts := make([]string, len(a))
		for i, item := range a {
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			parts[i] = string(b)
		}
		return []byte("[" + strings.Join(parts, ",") + "]"), nil
	case map[string]AnyValue:
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := a[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			parts = append(parts, string(kb)+":"+string(vb))
		}
		return []byte("{" + strings.Join(parts, ",") + "}"), nil
	}
	return nil, fmt.Errorf("anyvalue: unsupported value %T", v.value)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		// JSON cannot carry these; mirror encoding/json by clamping to null.
		return "null"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
