// Package cardsec handles PAN normalization and hashing for card lookup.
// Cleartext PANs are never stored or logged; the repository keys cards by
// an HMAC of the normalized PAN.
package cardsec

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

// NormalizePAN strips spaces and dashes from a PAN.
func NormalizePAN(pan string) string {
	var b strings.Builder
	b.Grow(len(pan))
	for i := 0; i < len(pan); i++ {
		switch pan[i] {
		case ' ', '-':
		default:
			b.WriteByte(pan[i])
		}
	}
	return b.String()
}

// HashPAN computes HMAC-SHA256 over a normalized PAN using a secret pepper.
func HashPAN(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return h.Sum(nil)
}

// LastN returns the last n characters of s, or s itself when shorter.
func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
