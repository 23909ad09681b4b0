package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints a config so Watch can skip writes that do not
// change it. Zero means "no fingerprint" and never matches.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashJSON(b)
}

// hashJSON ignores whitespace and object key order: the document is decoded
// and re-encoded first, and encoding/json sorts map keys. Invalid JSON is
// hashed as is.
func hashJSON(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) == nil {
		if canon, err := json.Marshal(v); err == nil {
			raw = canon
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}
