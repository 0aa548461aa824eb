// Package auth guards the operator dashboard. The engine is single-operator:
// one username and password from configuration, exchanged for a short-lived
// HS256 token at login.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	minSecretLength = 32

	tokenIssuer   = "trading-engine"
	tokenAudience = "dashboard"
)

// AuthError carries a stable code for the dashboard client.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string { return e.Message }

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
)

// Config holds the operator credential and signing settings.
type Config struct {
	JWTSecret     string
	TokenDuration time.Duration
	Username      string
	Password      string
}

// Token is the login response body.
type Token struct {
	Value     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// Claims are the JWT claims carried by an operator session.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues and validates operator tokens. The plaintext password is
// hashed once at construction and discarded.
type Manager struct {
	secret       []byte
	duration     time.Duration
	username     string
	passwordHash []byte
}

// NewManager validates the config and hashes the operator password.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.JWTSecret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, errors.New("dashboard username is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("dashboard password is required")
	}
	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &Manager{
		secret:       []byte(cfg.JWTSecret),
		duration:     cfg.TokenDuration,
		username:     cfg.Username,
		passwordHash: hash,
	}, nil
}

// Login checks the credential pair and returns a fresh token. Username
// comparison is constant-time so the two failure modes are
// indistinguishable.
func (m *Manager) Login(username, password string) (Token, error) {
	nameOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) == nil
	if !nameOK || !passOK {
		return Token{}, ErrInvalidCredentials
	}
	signed, err := m.generate()
	if err != nil {
		return Token{}, err
	}
	return Token{
		Value:     signed,
		ExpiresIn: int64(m.duration.Seconds()),
		TokenType: "Bearer",
	}, nil
}

func (m *Manager) generate() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
