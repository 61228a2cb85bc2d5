package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrIncorrectPassword is returned when the site password does not match.
var ErrIncorrectPassword = errors.New("incorrect password")

// PasswordChecker verifies the shared site password against a bcrypt hash.
type PasswordChecker struct {
	hash []byte
}

// NewPasswordChecker validates that hash is a bcrypt hash.
func NewPasswordChecker(hash string) (*PasswordChecker, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("site password hash: %w", err)
	}
	return &PasswordChecker{hash: []byte(hash)}, nil
}

// Check returns ErrIncorrectPassword on mismatch.
func (p *PasswordChecker) Check(password string) error {
	err := bcrypt.CompareHashAndPassword(p.hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrIncorrectPassword
	}
	if err != nil {
		return fmt.Errorf("comparing password: %w", err)
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for SITE_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}
