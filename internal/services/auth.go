package services

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tempshare/internal/config"
)

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAdminDisabled      = errors.New("admin login is not configured")
)

// dummyHash is compared against when the username is wrong so both paths cost one bcrypt run.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z5HnQFyqOPA8NQnS0Nw1fX6a")

// AdminAuth verifies the single operator account configured through the environment.
type AdminAuth struct {
	username     string
	passwordHash []byte
}

// NewAdminAuth creates a new admin authenticator.
func NewAdminAuth(cfg config.SecurityConfig) *AdminAuth {
	return &AdminAuth{
		username:     cfg.AdminUsername,
		passwordHash: []byte(cfg.AdminPasswordHash),
	}
}

// Enabled reports whether a password hash is configured.
func (a *AdminAuth) Enabled() bool {
	return len(a.passwordHash) > 0
}

// Authenticate checks the credentials and returns the canonical admin username.
func (a *AdminAuth) Authenticate(username, password string) (string, error) {
	if !a.Enabled() {
		return "", ErrAdminDisabled
	}

	username = strings.TrimSpace(username)
	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1

	// Perform the bcrypt comparison even if the username is wrong
	hash := a.passwordHash
	if !nameOK {
		hash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !nameOK {
		return "", ErrInvalidCredentials
	}

	return a.username, nil
}

// HashPassword returns a bcrypt hash suitable for TEMPSHARE_ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	if len(password) > 72 {
		// bcrypt has a maximum length of 72 bytes
		return "", errors.New("password must be at most 72 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
