// Package auth decides which bearer token the client sends and remembers
// tokens between runs when the user asks it to.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	jwt "github.com/dgrijalva/jwt-go"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
)

var (
	ErrNoToken      = errors.New("not logged in")
	ErrTokenExpired = errors.New("remembered token has expired")
)

// Identity is what a token says about its holder. It is read without
// verifying the signature; only the engine can do that.
type Identity struct {
	Username  string
	UserID    int64
	Email     string
	TenantID  int64
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Inspect decodes raw's claims without checking its signature.
func Inspect(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := (&jwt.Parser{}).ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	id := &Identity{
		Username: stringClaim(claims, "sub"),
		UserID:   intClaim(claims, "userId"),
		Email:    stringClaim(claims, "email"),
		TenantID: intClaim(claims, "tenantId"),
		Role:     stringClaim(claims, "role"),
	}
	if id.Username == "" {
		id.Username = stringClaim(claims, "username")
	}
	if v := intClaim(claims, "iat"); v > 0 {
		id.IssuedAt = time.Unix(v, 0)
	}
	if v := intClaim(claims, "exp"); v > 0 {
		id.ExpiresAt = time.Unix(v, 0)
	}
	return id, nil
}

func stringClaim(c jwt.MapClaims, key string) string {
	s, _ := c[key].(string)
	return s
}

func intClaim(c jwt.MapClaims, key string) int64 {
	switch v := c[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Store persists remembered tokens. storage.Storage implements it.
type Store interface {
	GetCredentials(baseURL string) (*models.Credentials, error)
	SaveCredentials(c *models.Credentials) error
	DeleteCredentials(baseURL string) error
}

type Source string

const (
	SourceExplicit   Source = "flag/env"
	SourceRemembered Source = "remembered"
)

// Resolver picks the token for one engine: an explicit token (flag or
// AUTODEV_API_TOKEN) wins, then a remembered one.
type Resolver struct {
	BaseURL  string
	Explicit string
	Store    Store
	Logger   *slog.Logger

	now func() time.Time
}

func (r *Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Resolver) Resolve() (string, Source, error) {
	log := logging.OrDiscard(r.Logger)

	if r.Explicit != "" {
		if id, err := Inspect(r.Explicit); err == nil && id.Expired(r.clock()) {
			log.Warn("token has expired; the engine will likely reject it", "expired", id.ExpiresAt)
		}
		return r.Explicit, SourceExplicit, nil
	}
	if r.Store == nil {
		return "", "", ErrNoToken
	}

	c, err := r.Store.GetCredentials(r.BaseURL)
	if err != nil {
		return "", "", fmt.Errorf("read remembered token: %w", err)
	}
	if c == nil {
		return "", "", ErrNoToken
	}
	if c.ExpiresAt != nil && !r.clock().Before(*c.ExpiresAt) {
		log.Warn("ignoring expired remembered token", "user", c.Username, "expired", *c.ExpiresAt)
		return "", "", ErrTokenExpired
	}
	return c.Token, SourceRemembered, nil
}

// Remember stores token for the resolver's engine.
func (r *Resolver) Remember(token string) (*models.Credentials, error) {
	if r.Store == nil {
		return nil, errors.New("no credential store")
	}
	c := &models.Credentials{BaseURL: r.BaseURL, Token: token, SavedAt: r.clock().UTC()}
	if id, err := Inspect(token); err == nil {
		c.Username = id.Username
		if !id.ExpiresAt.IsZero() {
			exp := id.ExpiresAt.UTC()
			c.ExpiresAt = &exp
		}
	}
	if err := r.Store.SaveCredentials(c); err != nil {
		return nil, fmt.Errorf("remember token: %w", err)
	}
	return c, nil
}

// Forget drops the remembered token. Forgetting nothing is not an error.
func (r *Resolver) Forget() error {
	if r.Store == nil {
		return nil
	}
	return r.Store.DeleteCredentials(r.BaseURL)
}
