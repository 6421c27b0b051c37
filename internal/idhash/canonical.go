// Package idhash computes the deterministic hashes and identifiers that make
// runs reproducible: canonical payload hashes, task ids, position buckets and
// result input fingerprints.
package idhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrNonFinite is returned when a payload contains NaN or an infinity.
var ErrNonFinite = errors.New("non-finite number in payload")

// CanonicalJSON serializes v deterministically: object keys sorted
// recursively, array order preserved, integer literals kept verbatim and
// fractional numbers rendered in shortest round-trip decimal form,
// non-finite floats rejected. The output is independent of key insertion
// order and stable across platforms, so hashes derived from it can travel
// between systems.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// integerLiteral reports whether s is a plain JSON integer, with no fraction
// or exponent part.
func integerLiteral(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		escaped, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("escape string: %w", err)
		}
		buf.Write(escaped)
	case json.Number:
		// Integer literals pass through verbatim: routing them through
		// float64 would corrupt values beyond 2^53 and render large ones in
		// exponent form.
		if lit := val.String(); integerLiteral(lit) {
			buf.WriteString(lit)
			break
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("parse number %q: %w", val.String(), err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFinite
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			escaped, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("escape key: %w", err)
			}
			buf.Write(escaped)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical value of type %T", v)
	}
	return nil
}
