package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest tracker API key accepted for hashing.
const MinSecretLength = 16

// HashSecret hashes a shared secret (tracker API key) with bcrypt for storage in config.
func HashSecret(secret string) (string, error) {
	if len(secret) < MinSecretLength {
		return "", errors.New("secret too short")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hashed), err
}

// CheckSecret compares a presented secret with its bcrypt hash.
func CheckSecret(presented, hashed string) bool {
	if presented == "" || hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(presented)) == nil
}
