package push

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

// PermAdmin grants subscription to every channel.
const PermAdmin = "admin"

// Claims are the verified identity attached to a connection for its
// lifetime.
type Claims struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the principal carries the permission.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthenticator builds an authenticator. A non-positive ttl defaults to
// one hour.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the user with the given permissions.
func (a *Authenticator) Issue(userID string, permissions []string) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID:      userID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks signature and expiry and returns the claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, faults.Forbidden("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, faults.Forbidden("invalid token: %v", err)
	}
	if !parsed.Valid {
		return nil, faults.Forbidden("invalid token")
	}
	return claims, nil
}

// authorizeChannel enforces the subscription rules: admin subscribes to
// anything; workflow:*, pool:* and worker:* require the matching read
// permission; an unprefixed channel requires a permission equal to its
// name, so typos fail closed. Nil claims mean auth is off and every
// channel is open.
func authorizeChannel(claims *Claims, channel string) error {
	if claims == nil {
		return nil
	}
	if claims.HasPermission(PermAdmin) {
		return nil
	}
	prefix, _, ok := strings.Cut(channel, ":")
	if ok {
		switch prefix {
		case "workflow", "pool", "worker":
			if claims.HasPermission(prefix + ":read") {
				return nil
			}
		}
	} else if claims.HasPermission(channel) {
		return nil
	}
	return faults.Forbidden("not authorized for channel %q", channel)
}
