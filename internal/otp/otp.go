// Package otp provides one-time-code generation and keyed verification.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
)

// DefaultDigits is the standard code length.
const DefaultDigits = 6

// DigestSize is the byte length of a code digest.
const DigestSize = sha256.Size

// Purpose tags bound into the digest context.
const (
	PurposeStepUp = "stepup"
)

// Binding is the context a code digest is tied to. Binding the digest
// to subject, email, and purpose keeps a leaked code from being
// replayed in another context.
type Binding struct {
	Email     string
	SubjectID string
	Purpose   string
}

// canonical builds the digest input. Email is lower-cased so delivery
// address casing never affects verification.
func (b Binding) canonical(code string) string {
	return strings.ToLower(b.Email) + "|" + b.SubjectID + "|" + b.Purpose + "|" + code
}

// Generate produces a uniformly random decimal code of exactly digits
// characters, leading zeros included, from crypto/rand.
func Generate(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// Digest computes the keyed HMAC-SHA256 digest of a code under its
// binding context.
func Digest(secret []byte, code string, binding Binding) [DigestSize]byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(binding.canonical(code)))

	var out [DigestSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify recomputes the digest for a candidate code and compares it to
// the stored digest in constant time. Raw codes are never compared.
func Verify(secret []byte, candidate string, binding Binding, stored [DigestSize]byte) bool {
	computed := Digest(secret, candidate, binding)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}
