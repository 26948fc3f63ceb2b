package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
)

const RoleAdmin = "admin"

// Claims are issued by the managed auth provider; sub is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Principal struct {
	UserID string
	Role   string
}

func (p Principal) Admin() bool { return p.Role == RoleAdmin }

type principalKey struct{}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	Secret []byte
}

func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	if len(a.Secret) == 0 {
		return nil, errors.New("token secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Issue signs a token; used by tests and local tooling.
func (a *Authenticator) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a *Authenticator) Middleware(debug bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, r, apperr.New(apperr.KindUnauthorized, "Authentication required"), debug)
				return
			}
			claims, err := a.Parse(strings.TrimSpace(raw))
			if err != nil {
				writeError(w, r, apperr.Wrap(apperr.KindUnauthorized, err, "Invalid or expired token"), debug)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, Principal{UserID: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireAdmin(debug bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, r, apperr.New(apperr.KindUnauthorized, "Authentication required"), debug)
				return
			}
			if !p.Admin() {
				writeError(w, r, apperr.New(apperr.KindForbidden, "Admin access required"), debug)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
