package identity

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(Config{SecretKey: "test-secret", Issuer: "statusboard"})
	require.NoError(t, err)
	return v
}

func TestNewValidator_RequiresKey(t *testing.T) {
	_, err := NewValidator(Config{})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestValidateToken_RoundTrip(t *testing.T) {
	v := newTestValidator(t)

	token, err := v.IssueToken("user-1", domain.RoleOperator, time.Hour)
	require.NoError(t, err)

	userID, role, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, domain.RoleOperator, role)
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestValidateToken_Rejects(t *testing.T) {
	v := newTestValidator(t)
	now := time.Now()
	valid := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "statusboard",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role: domain.RoleUser,
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	noSubject := valid()
	noSubject.Subject = ""
	badRole := valid()
	badRole.Role = "superuser"

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong key", token: sign(t, jwt.SigningMethodHS256, []byte("other"), valid())},
		{name: "wrong algorithm", token: sign(t, jwt.SigningMethodHS512, []byte("test-secret"), valid())},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, []byte("test-secret"), expired)},
		{name: "no expiry", token: sign(t, jwt.SigningMethodHS256, []byte("test-secret"), noExpiry)},
		{name: "wrong issuer", token: sign(t, jwt.SigningMethodHS256, []byte("test-secret"), wrongIssuer)},
		{name: "no subject", token: sign(t, jwt.SigningMethodHS256, []byte("test-secret"), noSubject)},
		{name: "unknown role", token: sign(t, jwt.SigningMethodHS256, []byte("test-secret"), badRole)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, role, err := v.ValidateToken(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Empty(t, userID)
			assert.Empty(t, role)
		})
	}
}
