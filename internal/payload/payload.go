// Package payload normalizes command input so that retries of the same logical
// command produce the same stored payload and the same digest.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// GeneratedKeyPrefix marks idempotency keys synthesized for callers that sent none.
const GeneratedKeyPrefix = "auto-"

// NormalizeKey trims raw. When nothing is left a fresh key is generated and
// hasKey is false: such a command never deduplicates against another call.
func NormalizeKey(raw string) (key string, hasKey bool) {
	key = strings.TrimSpace(raw)
	if key != "" {
		return key, true
	}
	return GeneratedKeyPrefix + uuid.NewString(), false
}

// Encode returns the JSON encoding of v as the caller handed it over. A
// json.RawMessage keeps its own key order (compacted); Go maps and structs use
// encoding/json ordering.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Canonicalize returns v as JSON with object keys sorted by byte order at every
// nesting level. Array order and scalar values (numbers included) are kept as is.
func Canonicalize(v any) (json.RawMessage, error) {
	raw, err := Encode(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
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
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, val)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	b, err := Encode(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// Hash returns the hex SHA-256 digest of an encoded payload.
func Hash(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
