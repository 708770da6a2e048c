// Package auth is the authorization collaborator: credential verification
// against the state store and short-lived session tokens. It decides who may
// call the integrity core; the core itself never authorizes.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/integrilog/integrilog/internal/storage"
)

// RoleAdmin is the role allowed to mutate configuration.
const RoleAdmin = "admin"

// ErrInvalidToken covers expired, malformed, or wrongly signed tokens.
var ErrInvalidToken = errors.New("invalid session token")

const tokenTTL = time.Hour

// Service verifies credentials and issues HS256 session tokens signed with
// a per-process random secret, so tokens die with the process.
type Service struct {
	store  *storage.StateStore
	secret []byte
}

// New creates a Service with a fresh random token secret.
func New(store *storage.StateStore) (*Service, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return &Service{store: store, secret: secret}, nil
}

// Seed ensures the given accounts exist, hashing passwords with bcrypt.
// Existing records are left untouched.
func (s *Service) Seed(accounts map[string]struct{ Password, Role string }) error {
	for name, acct := range accounts {
		if _, err := s.store.GetUser(name); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrUserNotFound) {
			return err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(acct.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", name, err)
		}
		if err := s.store.PutUser(storage.User{Name: name, PasswordHash: string(hash), Role: acct.Role}); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks a username/password pair. The boolean is the outcome; an
// error means the store itself failed.
func (s *Service) Verify(username, password string) (role string, ok bool, err error) {
	u, err := s.store.GetUser(username)
	if errors.Is(err, storage.ErrUserNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", false, nil
	}
	return u.Role, true, nil
}

// Principal identifies an authenticated caller.
type Principal struct {
	Name string
	Role string
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken returns a signed session token for the principal.
func (s *Service) IssueToken(p Principal) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token and returns its principal.
func (s *Service) ParseToken(token string) (Principal, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Name: claims.Subject, Role: claims.Role}, nil
}
