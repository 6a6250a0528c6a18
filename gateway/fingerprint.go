package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the cache key for a request: a SHA-256 over a canonical
// key-ordered serialization of the prompt and every driver-affecting option.
// The serialization is deterministic across processes so the fingerprint is
// stable over restarts.
func Fingerprint(prompt string, opts Options) string {
	var b strings.Builder
	b.WriteString("prompt=")
	b.WriteString(prompt)
	b.WriteString("\x00model=")
	b.WriteString(opts.Model)
	b.WriteString("\x00temperature=")
	b.WriteString(strconv.FormatFloat(opts.Temperature, 'g', -1, 64))
	b.WriteString("\x00max_tokens=")
	b.WriteString(strconv.Itoa(opts.MaxTokens))
	if len(opts.Extra) > 0 {
		keys := make([]string, 0, len(opts.Extra))
		for k := range opts.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\x00extra.")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(canonicalValue(opts.Extra[k]))
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders an Extra value deterministically. Maps serialize in
// key order; floats use the shortest round-trip form.
func canonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strconv.Quote(k)+":"+canonicalValue(val[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, canonicalValue(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}
