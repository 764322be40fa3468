// Package canonicalize provides deterministic serialization of structured
// events for hashing. The output is JSON text with mapping keys sorted by
// UTF-16 code units, no insignificant whitespace, no HTML escaping and
// ECMAScript number formatting, so it matches RFC 8785 for every value this
// package accepts.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrEncoding is matched by every *EncodingError.
var ErrEncoding = errors.New("canonicalize: encoding failed")

// EncodingError reports a value that has no canonical form. It is never
// retryable: the input itself is malformed.
type EncodingError struct {
	// Path locates the offending value, e.g. "$.items[2].price".
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonicalize: %s at %s", e.Reason, e.Path)
}

// Is reports whether target is ErrEncoding.
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 512

// Canonicalize returns the canonical byte form of v.
//
// Accepted values: nil, bool, string, every integer and float kind,
// json.Number, maps with string keys, slices and arrays, and pointers to any
// of those. Anything else, non-finite floats, invalid UTF-8 and cycles fail
// with *EncodingError.
func Canonicalize(v any) ([]byte, error) {
	e := &encoder{visiting: make(map[visitKey]struct{})}
	if err := e.encode(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	buf      bytes.Buffer
	visiting map[visitKey]struct{}
}

var numberType = reflect.TypeOf(json.Number(""))

func (e *encoder) encode(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Path: path, Reason: "nesting too deep"}
	}
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}

	if v.Type() == numberType {
		return e.encodeNumber(json.Number(v.String()), path)
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem(), path, depth)
	case reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.encode(v.Elem(), path, depth+1)
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil
	case reflect.String:
		return e.encodeString(v.String(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		bits := 64
		if v.Kind() == reflect.Float32 {
			bits = 32
		}
		return e.encodeFloat(v.Float(), bits, path)
	case reflect.Map:
		return e.encodeMap(v, path, depth)
	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.encodeSequence(v, path, depth)
	case reflect.Array:
		return e.encodeSequence(v, path, depth)
	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported value of type %s", v.Type())}
	}
}

// enter marks a reference-typed value as being on the current path. Seeing it
// again before leave is called means the value contains itself.
func (e *encoder) enter(v reflect.Value, path string) (func(), error) {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := e.visiting[key]; ok {
		return nil, &EncodingError{Path: path, Reason: "circular reference"}
	}
	e.visiting[key] = struct{}{}
	return func() { delete(e.visiting, key) }, nil
}

func (e *encoder) encodeMap(v reflect.Value, path string, depth int) error {
	if v.Type().Key().Kind() != reflect.String {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("map key type %s is not a string", v.Type().Key())}
	}
	if v.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	leave, err := e.enter(v, path)
	if err != nil {
		return err
	}
	defer leave()

	keys := make([]string, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		if !utf8.ValidString(k) {
			return &EncodingError{Path: path, Reason: "map key is not valid UTF-8"}
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		elem := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
		if err := e.encode(elem, path+"."+k, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeSequence(v reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

func (e *encoder) encodeString(s, path string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "string is not valid UTF-8"}
	}
	e.buf.WriteByte('"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		e.buf.WriteString(s[start:i])
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			e.buf.WriteString(`\u00`)
			e.buf.WriteByte(hexDigits[c>>4])
			e.buf.WriteByte(hexDigits[c&0xf])
		}
		start = i + 1
	}
	e.buf.WriteString(s[start:])
	e.buf.WriteByte('"')
	return nil
}

// encodeNumber re-encodes a decoded JSON number. Integers that fit in 64 bits
// keep every digit; everything else goes through float64 like any JSON
// consumer would.
func (e *encoder) encodeNumber(n json.Number, path string) error {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		e.buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return &EncodingError{Path: path, Reason: fmt.Sprintf("invalid number %q", string(n))}
	}
	return e.encodeFloat(f, 64, path)
}

func (e *encoder) encodeFloat(f float64, bits int, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "non-finite number"}
	}
	e.buf.WriteString(FormatNumber(f, bits))
	return nil
}

// FormatNumber renders f the way ECMAScript's Number.prototype.toString
// does: shortest round-trip digits, exponent notation below 1e-6 and from
// 1e21 up, and "0" for negative zero.
func FormatNumber(f float64, bits int) string {
	if f == 0 {
		return "0"
	}
	format := byte('f')
	if abs := math.Abs(f); abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, bits)
	if format == 'e' {
		// Go pads the exponent to two digits ("1e-07"); ECMAScript does not.
		n := len(s)
		if n >= 4 && s[n-4] == 'e' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s
}

// lessUTF16 orders strings by their UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
