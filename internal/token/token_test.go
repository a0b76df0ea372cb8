package token_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genropy/genro-wopi/internal/token"
	"github.com/genropy/genro-wopi/internal/types"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	svc := token.NewService("test-secret")

	tok, expiresAt, err := svc.Issue("sess-1", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Second)

	sessionID, gotExpiresAt, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)
	assert.WithinDuration(t, expiresAt, gotExpiresAt, time.Second)
}

func TestIssueDefaultsTTLWhenNonPositive(t *testing.T) {
	svc := token.NewService("test-secret")

	_, expiresAt, err := svc.Issue("sess-1", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(token.DefaultTTL), expiresAt, time.Second)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := token.NewService("test-secret")

	// Issue replaces a non-positive TTL with DefaultTTL, so an already-expired
	// token is signed directly with the service's secret.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "sess-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	tok, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, _, err = svc.Validate(tok)
	require.Error(t, err)
	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrExpiredToken, perr.Kind)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := token.NewService("secret-a")
	verifier := token.NewService("secret-b")

	tok, _, err := issuer.Issue("sess-1", time.Hour)
	require.NoError(t, err)

	_, _, err = verifier.Validate(tok)
	require.Error(t, err)
	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidToken, perr.Kind)
}

func TestValidateRejectsNonHMACAlgorithm(t *testing.T) {
	svc := token.NewService("test-secret")

	// A token signed with "none" must be rejected even though its claims
	// are otherwise well-formed: the signing method is pinned to HMAC
	// regardless of what the token's own header claims.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "sess-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tokStr, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, _, err = svc.Validate(tokStr)
	require.Error(t, err)
	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidToken, perr.Kind)
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	svc := token.NewService("test-secret")

	_, _, err := svc.Validate("not-a-jwt")
	require.Error(t, err)
	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidToken, perr.Kind)
}
