package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, OWASP minimum profile
const (
	Memory      = 19 * 1024 // 19 MiB
	Iterations  = 2
	Parallelism = 1
	SaltLength  = 16
	KeyLength   = 32
)

// NewSalt returns a random hex encoded salt.
func NewSalt() (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// HashPassword derives the stored hash of a room password with the given salt.
// The raw password must never leave this function.
func HashPassword(password, salt string) string {
	hash := argon2.IDKey([]byte(password), []byte(salt), Iterations, Memory, Parallelism, KeyLength)
	return hex.EncodeToString(hash)
}

// NewPasswordHash salts and hashes a password in one go.
func NewPasswordHash(password string) (hash string, salt string, err error) {
	if salt, err = NewSalt(); err != nil {
		return "", "", err
	}
	return HashPassword(password, salt), salt, nil
}

// ComparePassword recomputes the hash and compares it in constant time.
func ComparePassword(password, salt, encodedHash string) bool {
	expected, err := hex.DecodeString(encodedHash)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), []byte(salt), Iterations, Memory, Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, actual) == 1
}
