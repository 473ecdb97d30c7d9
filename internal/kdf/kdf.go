// Package kdf hashes and verifies project credentials with bcrypt.
package kdf

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns plaintext credentials into verifiers and checks them.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(plain, verifier string) (bool, error)
}

// Bcrypt is a Hasher backed by golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	Cost int
}

// NewBcrypt returns a bcrypt Hasher; a cost outside bcrypt's range falls
// back to bcrypt.DefaultCost.
func NewBcrypt(cost int) Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return Bcrypt{Cost: cost}
}

// Hash returns the bcrypt verifier of plain.
func (b Bcrypt) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), b.Cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches verifier. A mismatch is not an
// error; a malformed verifier is.
func (b Bcrypt) Verify(plain, verifier string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("verify credential: %w", err)
	}
}
