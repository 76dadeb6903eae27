// Package auth issues and validates repository access tickets.
//
// A ticket is an HS256 JWT naming a subject and the stores it may write.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AllStores grants access to every store.
const AllStores = "*"

const issuer = "avm"

// ErrMissingTicket is returned by Middleware when a request carries no bearer token.
var ErrMissingTicket = errors.New("missing ticket")

type contextKey string

const claimsContextKey contextKey = "ticket"

// Claims holds ticket claims. The subject is the registered "sub" claim.
type Claims struct {
	Stores []string `json:"stores"`
	jwt.RegisteredClaims
}

// Allows reports whether the ticket may modify store.
func (c *Claims) Allows(store string) bool {
	return slices.Contains(c.Stores, AllStores) || slices.Contains(c.Stores, store)
}

// Validator checks a raw ticket.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Tickets signs and verifies tickets with a shared secret.
type Tickets struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTickets creates a ticket authority. A non-positive ttl defaults to 24h.
func NewTickets(secret string, ttl time.Duration) (*Tickets, error) {
	if secret == "" {
		return nil, fmt.Errorf("ticket secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tickets{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a ticket for subject limited to stores.
func (t *Tickets) Issue(subject string, stores []string) (string, error) {
	now := t.now()
	claims := &Claims{
		Stores: stores,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a ticket.
func (t *Tickets) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("validate ticket: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("validate ticket: invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer ticket and stores the
// claims in the request context.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				http.Error(w, ErrMissingTicket.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(token)
			if err != nil {
				http.Error(w, "invalid ticket", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// FromContext returns the claims stored by Middleware, or nil.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey).(*Claims)
	return c
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
