// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity emulates a managed identity pool locally: a bcrypt-
// hashed user registry and HS256 token issuance standing in for the
// credential exchange a real pool performs.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for a bad username/password pair.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// ErrUserExists is returned when registering a duplicate username.
var ErrUserExists = errors.New("identity: user already exists")

// Claims are the token claims a pool issues.
type Claims struct {
	Username string   `json:"username"`
	PoolID   string   `json:"pool_id"`
	Groups   []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Pool is one emulated identity pool.
type Pool struct {
	id       string
	secret   []byte
	tokenTTL time.Duration

	mu    sync.RWMutex
	users map[string]user
}

type user struct {
	passwordHash []byte
	groups       []string
}

// NewPool builds a pool. secret signs every issued token; it must be
// non-empty.
func NewPool(id, secret string, tokenTTL time.Duration) (*Pool, error) {
	if secret == "" {
		return nil, errors.New("identity: signing secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Pool{
		id:       id,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    make(map[string]user),
	}, nil
}

// ID returns the pool's identifier.
func (p *Pool) ID() string { return p.id }

// SignUp registers a user with a bcrypt-hashed password.
func (p *Pool) SignUp(username, password string, groups []string) error {
	if username == "" || password == "" {
		return errors.New("identity: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[username]; exists {
		return ErrUserExists
	}
	p.users[username] = user{passwordHash: hash, groups: append([]string(nil), groups...)}
	return nil
}

// Authenticate verifies the password and issues a signed token.
func (p *Pool) Authenticate(username, password string) (string, error) {
	p.mu.RLock()
	u, ok := p.users[username]
	p.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway so missing and wrong-password cases
		// take the same time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return p.issue(username, u.groups)
}

func (p *Pool) issue(username string, groups []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		PoolID:   p.id,
		Groups:   groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "harborstackd/" + p.id,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (p *Pool) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("identity: invalid token claims")
	}
	if claims.PoolID != p.id {
		return nil, errors.New("identity: token issued by a different pool")
	}
	return claims, nil
}

// Users lists registered usernames.
func (p *Pool) Users() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.users))
	for name := range p.users {
		out = append(out, name)
	}
	return out
}

// Reset drops every registered user.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = make(map[string]user)
}
