package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACIssueAndValidate(t *testing.T) {
	v := NewHMACVerifier("s3cret")

	token, err := v.Issue("ops-1", "ops@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.UserID)
	assert.Equal(t, "ops@example.com", claims.Email)
}

func TestHMACRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := NewHMACVerifier("one").Issue("ops", "", time.Hour)
	require.NoError(t, err)
	_, err = NewHMACVerifier("two").Validate(token)
	assert.Error(t, err)

	expired, err := NewHMACVerifier("one").Issue("ops", "", -time.Minute)
	require.NoError(t, err)
	_, err = NewHMACVerifier("one").Validate(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestHMACRequiresExpiry(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "ops"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = NewHMACVerifier("k").Validate(token)
	assert.Error(t, err)
}

func TestIssueWithoutSecret(t *testing.T) {
	_, err := NewHMACVerifier("").Issue("ops", "", time.Hour)
	assert.ErrorIs(t, err, ErrNoVerifier)
}

func TestChain(t *testing.T) {
	good := NewHMACVerifier("b")
	token, err := good.Issue("ops", "", time.Hour)
	require.NoError(t, err)

	claims, err := Chain{NewHMACVerifier("a"), good}.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.UserID)

	_, err = Chain{}.Validate(token)
	assert.ErrorIs(t, err, ErrNoVerifier)

	_, err = Chain{NewHMACVerifier("a")}.Validate(token)
	assert.Error(t, err)
}
