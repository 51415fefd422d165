package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns prefix_<32 hex chars>, or just the hex when prefix is empty.
func NewID(prefix string) string {
	return withPrefix(prefix, 16)
}

// ShortID is NewID with 8 random bytes, for identifiers that only need to be
// unique among running processes.
func ShortID(prefix string) string {
	return withPrefix(prefix, 8)
}

func withPrefix(prefix string, size int) string {
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
