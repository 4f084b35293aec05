package integration

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://auth.test.local"
	testAudience = "confirmd"
)

var testSigningSecret = []byte("integration-test-signing-secret")

// Token mints a valid HMAC-signed bearer token for the test issuer.
func Token(t *testing.T, subject string) string {
	t.Helper()
	return TokenWithClaims(t, jwt.MapClaims{
		"sub": subject,
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})
}

// ExpiredToken mints a token whose expiry is already in the past.
func ExpiredToken(t *testing.T, subject string) string {
	t.Helper()
	return TokenWithClaims(t, jwt.MapClaims{
		"sub": subject,
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(-time.Hour).Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})
}

// TokenWithClaims signs an arbitrary claim set with the test secret.
func TokenWithClaims(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSigningSecret)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}
