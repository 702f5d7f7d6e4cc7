// Package keypool fetches ordered lists of model API keys from a secret
// source and rotates them deterministically by attempt number. There is no
// cross-worker coordination: collisions are accepted and absorbed by the
// rate-limit retry loop.
package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxKeys caps how many keys a pool holds, matching the provisioned quota
// accounts.
const MaxKeys = 3

// ErrNoKeys is returned when the secret yields no usable keys.
var ErrNoKeys = errors.New("keypool: no API keys in secret")

// Source fetches the raw secret string for a named secret.
type Source interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Pool is an immutable ordered key list. Workers load it once at cold start
// and keep it for the invocation's lifetime.
type Pool struct {
	keys []string
}

// Load fetches and parses the named secret into a Pool.
func Load(ctx context.Context, src Source, name string) (*Pool, error) {
	raw, err := src.Fetch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("keypool: fetch %s: %w", name, err)
	}
	keys := ParseKeys(raw)
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: %s: %w", name, ErrNoKeys)
	}
	return &Pool{keys: keys}, nil
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int { return len(p.keys) }

// KeyFor returns the key for a zero-based attempt number (round-robin).
func (p *Pool) KeyFor(attempt int) string {
	if attempt < 0 {
		attempt = 0
	}
	return p.keys[attempt%len(p.keys)]
}

var keyToken = regexp.MustCompile(`(AIza[0-9A-Za-z_\-]{20,})`)

// sanitizeKey extracts an AIza* token from raw strings, trimming quotes and
// wrappers.
func sanitizeKey(raw string) string {
	if raw == "" {
		return ""
	}
	if m := keyToken.FindString(raw); m != "" {
		return m
	}
	return strings.Trim(strings.TrimSpace(raw), `"'`)
}

// ParseKeys tolerates every secret layout that has been seen in the wild:
//
//   - {"keys": ["k1","k2","k3"]}
//   - ["k1","k2","k3"]
//   - {"key1":"k1","key2":"k2","key3":"k3"}
//   - plaintext, newline or comma separated
func ParseKeys(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var anyJSON any
	if err := json.Unmarshal([]byte(raw), &anyJSON); err == nil {
		switch v := anyJSON.(type) {
		case map[string]any:
			if ks, ok := v["keys"].([]any); ok {
				return collect(ks)
			}
			var out []string
			for i := 1; i <= MaxKeys; i++ {
				if s, ok := v[fmt.Sprintf("key%d", i)].(string); ok {
					if k := sanitizeKey(s); k != "" {
						out = append(out, k)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		case []any:
			return collect(v)
		}
	}

	var parts []string
	if strings.Contains(raw, ",") {
		parts = strings.Split(raw, ",")
	} else {
		parts = strings.Split(raw, "\n")
	}
	var out []string
	for _, p := range parts {
		if k := sanitizeKey(p); k != "" {
			out = append(out, k)
		}
		if len(out) == MaxKeys {
			break
		}
	}
	return out
}

func collect(vals []any) []string {
	var out []string
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k := sanitizeKey(s); k != "" {
			out = append(out, k)
		}
		if len(out) == MaxKeys {
			break
		}
	}
	return out
}
