package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// NormalizeSecret trims and NFC-normalizes a phrase or answer so visually
// identical input from different keyboards hashes the same.
func NormalizeSecret(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// HashSecret hashes a normalized phrase or answer with bcrypt.
func HashSecret(s string) (string, error) {
	s = NormalizeSecret(s)
	if s == "" {
		return "", ErrInvalidInput
	}
	if len(s) > 72 {
		return "", ErrSecretTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareSecret reports whether s matches hash. An empty hash never matches.
func CompareSecret(hash, s string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizeSecret(s))) == nil
}
