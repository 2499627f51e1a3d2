package tools

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/bytedance/sonic"
)

// canonicalAPI re-encodes with sorted object keys and json.Number semantics
// so the same logical document always serializes to the same bytes.
var canonicalAPI = sonic.Config{
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// Canonicalize produces the stable JSON encoding used as hash input: object
// keys sorted at every level, keys in the ignore set dropped at every level,
// array order preserved. Canonicalize is idempotent.
func Canonicalize(v any, ignore map[string]bool) ([]byte, error) {
	buf, err := canonicalAPI.Marshal(v)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := canonicalAPI.Unmarshal(buf, &decoded); err != nil {
		return nil, err
	}

	return canonicalAPI.Marshal(strip(decoded, ignore))
}

func strip(v any, ignore map[string]bool) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, member := range value {
			if ignore[key] {
				continue
			}
			out[key] = strip(member, ignore)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, member := range value {
			out[i] = strip(member, ignore)
		}
		return out
	default:
		return v
	}
}

// HashBytes is the lowercase hex sha256 of buf.
func HashBytes(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// ArgsHash canonicalizes args and hashes the result.
func ArgsHash(args map[string]any, ignore map[string]bool) (string, []byte, error) {
	canonical, err := Canonicalize(args, ignore)
	if err != nil {
		return "", nil, err
	}
	return HashBytes(canonical), canonical, nil
}

// IgnoreSet builds the ignore lookup from the built-in ignored arg names
// plus the configured extras.
func IgnoreSet(extra []string) map[string]bool {
	set := map[string]bool{
		"timestamp": true,
		"requestId": true,
		"nonce":     true,
	}
	for _, key := range extra {
		set[key] = true
	}
	return set
}
