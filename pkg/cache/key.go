package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Params are the parameters of a logical upstream request.
// They become the query string of a GET or the JSON body of a POST.
type Params map[string]any

// Policy decides which parameter values take part in key derivation.
type Policy int

const (
	// PolicyLegacy drops every falsy scalar: nil, "", "0", false and numeric zero.
	// A parameter whose value is 0 therefore does not affect the key.
	PolicyLegacy Policy = iota

	// PolicyStrict only drops nil and "". Zero and false are significant.
	PolicyStrict
)

const (
	keySeparator   = '.'
	pairSeparator  = '='
	escapeRune     = '\\'
	keySecondsUnit = time.Second
)

// Deriver turns (endpoint, params, ttl) into a cache key.
// Composite values (slices, arrays, maps, structs) never take part in the key.
type Deriver struct {
	Policy Policy
}

// DeriveKey derives a key with the legacy policy.
func DeriveKey(endpoint string, params Params, ttl time.Duration) string {
	return Deriver{Policy: PolicyLegacy}.Key(endpoint, params, ttl)
}

// Key generates a deterministic cache key string.
// Format: segment.segment.name=value.name=value.ttl
//
// Pairs are written in ascending name order, not in the order the caller
// built params, so equal params always give the same key. A '.', '=' or '\'
// inside a segment, name or value is escaped with a backslash.
//
// Example:
//
//	users.search.name=Ann.page=1.300
func (d Deriver) Key(endpoint string, params Params, ttl time.Duration) string {
	var b strings.Builder

	for _, segment := range strings.Split(endpoint, "/") {
		if segment == "" {
			continue
		}
		writeEscaped(&b, segment)
		b.WriteRune(keySeparator)
	}

	// Sorted for determinism
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, ok := d.stringify(params[name])
		if !ok {
			continue
		}
		writeEscaped(&b, name)
		b.WriteRune(pairSeparator)
		writeEscaped(&b, value)
		b.WriteRune(keySeparator)
	}

	b.WriteString(strconv.FormatInt(int64(ttl/keySecondsUnit), 10))

	return b.String()
}

// Included reports whether value takes part in key derivation under the policy.
func (d Deriver) Included(value any) bool {
	_, ok := d.stringify(value)
	return ok
}

// stringify returns the key form of value, or false when the value is excluded.
func (d Deriver) stringify(value any) (string, bool) {
	if value == nil {
		return "", false
	}

	switch v := value.(type) {
	case string:
		if v == "" || (d.Policy == PolicyLegacy && v == "0") {
			return "", false
		}
		return v, true
	case json.Number:
		return d.stringify(string(v))
	case bool:
		if v {
			return "1", true
		}
		if d.Policy == PolicyLegacy {
			return "", false
		}
		return "0", true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return d.stringify(rv.Elem().Interface())
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Func, reflect.Chan:
		// Composites stay out even when they implement fmt.Stringer
		return "", false
	}

	if v, ok := value.(fmt.Stringer); ok {
		return d.stringify(v.String())
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() == 0 && d.Policy == PolicyLegacy {
			return "", false
		}
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if rv.Uint() == 0 && d.Policy == PolicyLegacy {
			return "", false
		}
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		if rv.Float() == 0 && d.Policy == PolicyLegacy {
			return "", false
		}
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	case reflect.String:
		return d.stringify(rv.String())
	case reflect.Bool:
		return d.stringify(rv.Bool())
	default:
		return "", false
	}
}

func writeEscaped(b *strings.Builder, s string) {
	for _, r := range s {
		if r == keySeparator || r == pairSeparator || r == escapeRune {
			b.WriteRune(escapeRune)
		}
		b.WriteRune(r)
	}
}
