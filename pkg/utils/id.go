package utils

import (
	"crypto/rand"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewID returns a 12-character random identifier. Used for rooms, media,
// lock nonces and stream session ids. Identifiers are opaque: equality is
// by byte sequence, no internal structure.
func NewID() string {
	return NewIDWithLength(12)
}

// NewIDWithLength returns a random identifier of the given length (max 32).
func NewIDWithLength(n int) string {
	if n <= 0 || n > 32 {
		n = 12
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; nothing
		// sensible to fall back to.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
