package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellquest/pkg/models"
)

func TestHashAndCheckPassword(t *testing.T) {
	s := NewService("secret")

	hash, err := s.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.NoError(t, s.CheckPassword("correct horse battery staple", hash))
	assert.ErrorIs(t, s.CheckPassword("wrong", hash), ErrInvalidCredentials)
}

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("secret")
	user := &models.User{Username: "player"}
	user.ID = 42

	token, expiresAt, err := s.GenerateToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "player", claims.Username)
	assert.Equal(t, "shellquest", claims.Issuer)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	s := NewService("secret")

	_, err := s.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	signer := NewService("secret-a")
	verifier := NewService("secret-b")
	user := &models.User{Username: "player"}
	user.ID = 1

	token, _, err := signer.GenerateToken(user)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s := NewService("secret")
	s.tokenExpiry = -time.Minute
	user := &models.User{Username: "player"}
	user.ID = 1

	token, _, err := s.GenerateToken(user)
	require.NoError(t, err)

	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateTokenRejectsWrongAlgorithm(t *testing.T) {
	s := NewService("secret")

	// A token signed with "none" must never pass.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1, Username: "player"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
