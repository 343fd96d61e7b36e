// Package hash implements the canonical structural hashing scheme used by
// the receipt engine: a stable hex digest over a mapping, sequence,
// string, number, boolean, or null value, independent of Go map iteration
// order or struct field order.
//
// Canonicalization rules (spec §4.2):
//  1. mappings are serialized with keys sorted lexicographically.
//  2. an absent field is omitted; an explicit null is emitted as null —
//     these two cases must never collapse into each other.
//  3. numbers are serialized with no trailing zeros beyond the minimum
//     representation needed to round-trip the value.
//  4. strings are UTF-8.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Hash returns the hex-encoded SHA-256 digest of v's canonical encoding.
func Hash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize returns the canonical byte encoding of v. Structs are
// reduced through their JSON encoding first, so json tags and omitempty
// behave identically to how the rest of the core persists these same
// types — an absent field (tagged omitempty and zero) is dropped, while a
// field explicitly holding nil (a typed nil pointer without omitempty, or
// an explicit nil inside a map[string]any) is emitted as null.
func Canonicalize(v any) ([]byte, error) {
	decoded, err := toPlainValue(v)
	if err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = appendValue(buf, decoded)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// toPlainValue normalizes v into the tree of types encoding/json.Unmarshal
// produces into `any` (map[string]any, []any, string, float64, bool, nil).
// It always round-trips through json.Marshal/Unmarshal, even when v is
// already a map[string]any or []any: a hand-built map commonly holds raw
// Go values (ints, named string types, struct values) in its leaves, and
// only a full round-trip normalizes those to the plain shapes appendValue
// understands, honoring struct tags along the way.
func toPlainValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hash: marshal: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("hash: decode: %w", err)
	}
	return decoded, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case float64:
		return append(buf, formatFloat(t)...), nil
	case string:
		quoted, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("hash: marshal string: %w", err)
		}
		return append(buf, quoted...), nil
	case []any:
		buf = append(buf, '[')
		for i, el := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendValue(buf, el)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("hash: marshal key: %w", err)
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			buf, err = appendValue(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("hash: unsupported canonical value type %T", v)
	}
}

// formatFloat renders f with the minimum digits needed to round-trip and
// never in exponential form, so e.g. 1.0 encodes as "1" and 0.08 encodes
// as "0.08", never "1.0" or "8e-2".
func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
