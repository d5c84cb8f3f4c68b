package controller

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tvlscope/tvlscope/app/admin/types"
)

const (
	sessionCookie = "tvl_session"
	sessionTTL    = 8 * time.Hour
)

// ValidateToken checks if the Authorization header contains a valid AdminToken
func (c *Controller) ValidateToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return c.AdminToken != "" && token == c.AdminToken
	}
	return false
}

// sessionClaims returns the claims of a valid session cookie.
func (c *Controller) sessionClaims(r *http.Request) (jwt.MapClaims, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}

	tok, err := jwt.Parse(cookie.Value,
		func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !tok.Valid {
		return nil, false
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// ValidateSessionCookie checks if the session cookie is present and valid
func (c *Controller) ValidateSessionCookie(r *http.Request) bool {
	_, ok := c.sessionClaims(r)
	return ok
}

// ValidateRole checks the role in a valid session cookie
func (c *Controller) ValidateRole(r *http.Request, role string) bool {
	claims, ok := c.sessionClaims(r)
	if !ok {
		return false
	}
	tokenRole, _ := claims["role"].(string)
	return tokenRole == role
}

// RequireAuth lets any signed-in user or the API token through.
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateToken(r) || c.ValidateSessionCookie(r) {
			next.ServeHTTP(w, r)
			return
		}
		c.writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// RequireAdmin guards write routes.
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateToken(r) || c.ValidateRole(r, types.RoleAdmin) {
			next.ServeHTTP(w, r)
			return
		}

		if !c.ValidateSessionCookie(r) {
			c.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		c.writeError(w, http.StatusForbidden, "forbidden")
	})
}

// IssueSession issues a session cookie
func (c *Controller) IssueSession(w http.ResponseWriter, user types.User) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"exp":  now.Add(sessionTTL).Unix(),
		"iat":  now.Unix(),
	})
	ss, err := token.SignedString(c.JWTSecret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    ss,
		Path:     "/",
		HttpOnly: true,
		Secure:   os.Getenv("ENVIRONMENT") == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

// currentUser returns the username associated with the request when available.
// API tokens are treated as admin-equivalent and return "api-token".
func (c *Controller) currentUser(r *http.Request) string {
	if c.ValidateToken(r) {
		return "api-token"
	}
	if claims, ok := c.sessionClaims(r); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	return "unknown"
}
