package api

import (
	"crypto/rand"
	"strings"
)

// Identifiers are a type prefix followed by 24 random alphanumerics,
// for example "sess_4fQk2ZxV9pLmN0aBcDeFgHiJ".
const (
	SessionIDPrefix = "sess_"
	CaptureIDPrefix = "cap_"

	idSuffixLen = 24
	idAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return newID(SessionIDPrefix) }

// NewCaptureID returns a fresh capture identifier.
func NewCaptureID() string { return newID(CaptureIDPrefix) }

// ValidateSessionID reports whether id is shaped like a session identifier.
func ValidateSessionID(id string) bool { return validID(SessionIDPrefix, id) }

// ValidateCaptureID reports whether id is shaped like a capture identifier.
func ValidateCaptureID(id string) bool { return validID(CaptureIDPrefix, id) }

// newID draws suffix characters by rejection sampling so every
// character of the alphabet is equally likely.
func newID(prefix string) string {
	const limit = 256 - 256%len(idAlphabet)
	out := make([]byte, 0, len(prefix)+idSuffixLen)
	out = append(out, prefix...)
	buf := make([]byte, idSuffixLen*2)
	for len(out) < cap(out) {
		if _, err := rand.Read(buf); err != nil {
			panic("api: reading random bytes: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == cap(out) {
				break
			}
		}
	}
	return string(out)
}

func validID(prefix, id string) bool {
	suffix, ok := strings.CutPrefix(id, prefix)
	if !ok || len(suffix) != idSuffixLen {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if strings.IndexByte(idAlphabet, suffix[i]) < 0 {
			return false
		}
	}
	return true
}
