package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invigilo/invigilo-backend/internal/config"
)

func testAuthService(secret string, expiry time.Duration) *AuthService {
	return NewAuthService(&config.Config{JWTSecret: secret, JWTExpiry: expiry})
}

func TestTokenRoundTrip(t *testing.T) {
	svc := testAuthService("test-secret", time.Hour)

	token, err := svc.GenerateToken(TokenTypeStudent, 7, "Alice", 3)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.Equal(t, 7, claims.UserID)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, 3, claims.OrgID)
	assert.Equal(t, "7", claims.Subject)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := testAuthService("secret-a", time.Hour)
	verifier := testAuthService("secret-b", time.Hour)

	token, err := issuer.GenerateToken(TokenTypeObserver, 100, "Proctor", 3)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := testAuthService("test-secret", -time.Minute)

	token, err := svc.GenerateToken(TokenTypeAdmin, 1, "", 0)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := testAuthService("test-secret", time.Hour)
	_, err := svc.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}
