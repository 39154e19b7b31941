// Package identity resolves caller identities. Accounts live in Postgres;
// sessions are HS256 JWTs carrying the account ID.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrHandleExists    = errors.New("handle already exists")
	ErrInvalidToken    = errors.New("invalid token")
)

// Service issues and verifies identity tokens.
type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

// Account is a registered identity.
type Account struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the JWT payload.
type Claims struct {
	AccountID string `json:"account_id"`
	Handle    string `json:"handle"`
	jwt.RegisteredClaims
}

// NewService creates an identity service backed by db.
func NewService(db *sql.DB, jwtSecret string) *Service {
	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  24 * time.Hour,
	}
}

// EnsureSchema creates the accounts table if missing.
func (s *Service) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			handle        TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, handle, password string) (*Account, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE handle = $1)", handle).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrHandleExists
	}

	accountID := uuid.New().String()
	now := time.Now()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, handle, password_hash, created_at) VALUES ($1, $2, $3, $4)",
		accountID, handle, hashPassword(password), now,
	)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:        accountID,
		Handle:    handle,
		CreatedAt: now,
	}, nil
}

// Login verifies credentials and returns a signed session token.
func (s *Service) Login(ctx context.Context, handle, password string) (string, error) {
	var accountID, storedHash string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM accounts WHERE handle = $1",
		handle,
	).Scan(&accountID, &storedHash)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}

	if hashPassword(password) != storedHash {
		return "", ErrInvalidPassword
	}

	return s.IssueToken(accountID, handle)
}

// IssueToken signs a session token for the given account.
func (s *Service) IssueToken(accountID, handle string) (string, error) {
	claims := &Claims{
		AccountID: accountID,
		Handle:    handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken parses and validates a session token, with or without a
// "Bearer " prefix, and returns its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewSecret returns a random hex secret suitable for JWT signing in dev
// setups where none is configured.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func hashPassword(password string) string {
	hash := sha256.Sum256([]byte(password))
	return hex.EncodeToString(hash[:])
}
