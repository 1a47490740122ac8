// Package idgen generates random, prefixed identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Prefixes for the entities this service creates.
const (
	InvitationPrefix = "inv_"
	BattlePrefix     = "btl_"
	EntryPrefix      = "ent_"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Valid reports whether id looks like something WithPrefix(prefix) produced.
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 24 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
