package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/recipebox/recipebox/internal/blocking"
	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/watch"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, *watch.Channel[*config.Config]) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{Auth: config.AuthConfig{
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
		JWTSecret:         testSecret,
		JWTExpiryHours:    1,
	}}
	ch := watch.New(cfg)
	return NewService(ch, blocking.NewPool(2)), ch
}

func TestService_LoginAndValidate(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Login(context.Background(), "admin", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, 5*time.Second)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "recipebox", claims.Issuer)
}

func TestService_LoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "admin", "nope"},
		{"wrong username", "root", "s3cret"},
		{"both wrong", "root", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(context.Background(), tt.username, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestService_LoginHonoursContext(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Login(ctx, "admin", "s3cret")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_SecretRotationInvalidatesTokens(t *testing.T) {
	svc, ch := newTestService(t)

	resp, err := svc.Login(context.Background(), "admin", "s3cret")
	require.NoError(t, err)

	rotated := *ch.Current()
	rotated.Auth.JWTSecret = "fedcba9876543210fedcba9876543210"
	ch.Publish(&rotated)

	_, err = svc.ValidateToken(resp.Token)
	assert.Error(t, err)
}

func TestService_ExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Login(context.Background(), "admin", "s3cret")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(resp.Token)
	require.Error(t, err)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestService_RejectsUnsignedToken(t *testing.T) {
	svc, _ := newTestService(t)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Username: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(s)
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}
