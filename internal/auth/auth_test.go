package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v, err := NewJWTVerifier(JWTConfig{Secret: "s3cret", Issuer: "danmu", Audience: "realtime"})
	require.NoError(t, err)

	valid := jwt.MapClaims{
		"sub":  "u1",
		"iss":  "danmu",
		"aud":  "realtime",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"role": "admin",
	}

	t.Run("valid", func(t *testing.T) {
		user, err := v.Verify(ctx, sign(t, jwt.SigningMethodHS256, "s3cret", valid))
		require.NoError(t, err)
		assert.Equal(t, "u1", user.UserID)
		assert.Equal(t, "admin", user.Claims["role"])
	})

	t.Run("user id claim precedence", func(t *testing.T) {
		claims := jwt.MapClaims{"iss": "danmu", "aud": "realtime", "userId": float64(42), "sub": "ignored"}
		user, err := v.Verify(ctx, sign(t, jwt.SigningMethodHS512, "s3cret", claims))
		require.NoError(t, err)
		assert.Equal(t, "42", user.UserID)
	})

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rejected := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": sign(t, jwt.SigningMethodHS256, "other", valid),
		"expired": sign(t, jwt.SigningMethodHS256, "s3cret", jwt.MapClaims{
			"iss": "danmu", "aud": "realtime", "exp": time.Now().Add(-time.Minute).Unix(),
		}),
		"wrong issuer": sign(t, jwt.SigningMethodHS256, "s3cret", jwt.MapClaims{"iss": "x", "aud": "realtime"}),
		"none alg":     none,
	}
	for name, token := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			assert.ErrorIs(t, err, merr.ErrAuthRejected)
		})
	}
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(JWTConfig{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r, ""))

	r = httptest.NewRequest("GET", "/ws?jwt=def", nil)
	assert.Equal(t, "def", TokenFromRequest(r, "jwt"))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r, ""))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, TokenFromRequest(r, ""))
}

func TestVerifierFunc(t *testing.T) {
	var v Verifier = VerifierFunc(func(_ context.Context, token string) (*session.User, error) {
		return &session.User{UserID: token}, nil
	})
	user, err := v.Verify(context.Background(), "u7")
	require.NoError(t, err)
	assert.Equal(t, "u7", user.UserID)
}
