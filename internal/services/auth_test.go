package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tempshare/internal/config"
)

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := NewAdminAuth(config.SecurityConfig{AdminUsername: "admin", AdminPasswordHash: string(hash)})
	require.True(t, auth.Enabled())

	name, err := auth.Authenticate(" admin ", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, "admin", name)

	_, err = auth.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Authenticate("root", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAdminAuthDisabled(t *testing.T) {
	auth := NewAdminAuth(config.SecurityConfig{AdminUsername: "admin"})
	assert.False(t, auth.Enabled())

	_, err := auth.Authenticate("admin", "anything")
	assert.ErrorIs(t, err, ErrAdminDisabled)
}

func TestHashPassword(t *testing.T) {
	_, err := HashPassword("short")
	assert.Error(t, err)

	hash, err := HashPassword("long-enough-pass")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("long-enough-pass")))
}
