// Package auth
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/recipebox/recipebox/internal/blocking"
	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/watch"
)

const issuer = "recipebox"

// ErrInvalidCredentials is returned by Login for a wrong username or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles admin authentication. Credentials, secret and expiry are
// read from the current configuration on every call, so a reload takes
// effect for the next login or token check.
type Service struct {
	cfgs *watch.Channel[*config.Config]
	pool *blocking.Pool
	now  func() time.Time
}

// Claims represents JWT token claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// LoginRequest represents the login payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewService creates a new authentication service. Password hashing runs on
// pool so it does not occupy request goroutines beyond the pool size.
func NewService(cfgs *watch.Channel[*config.Config], pool *blocking.Pool) *Service {
	return &Service{
		cfgs: cfgs,
		pool: pool,
		now:  time.Now,
	}
}

// Login authenticates the admin user and returns a JWT token
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	cfg := s.cfgs.Current().Auth

	// the hash is always compared so a wrong username costs the same
	err := s.pool.Do(ctx, func() error {
		return bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(password))
	})
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.AdminUsername)) == 1
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return nil, fmt.Errorf("failed to verify password: %w", err)
	case err != nil || !userOK:
		return nil, ErrInvalidCredentials
	}

	// Generate JWT token
	now := s.now()
	expiresAt := now.Add(cfg.JWTExpiry())
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &LoginResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	secret := []byte(s.cfgs.Current().Auth.JWTSecret)

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// HashPassword returns a bcrypt hash suitable for auth.admin_password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
