package main

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	identityPrefix = "nlg"
	identityBytes  = 20
)

// GenerateIdentity returns a fresh peer identity: the "nlg" tag followed by
// 40 hex characters read from crypto/rand.
func GenerateIdentity() string {
	buf := make([]byte, identityBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is unusable.
		panic("meshmirror: reading random identity: " + err.Error())
	}
	return identityPrefix + hex.EncodeToString(buf)
}

// validIdentity reports whether id can travel as a single protocol token.
func validIdentity(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
