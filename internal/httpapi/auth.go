package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the claims in an access token.
type SessionClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
}

// verifyToken validates an HS256 token against the configured secret.
func (r *Router) verifyToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.cfg.AuthSecret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// withAuth protects API endpoints with a bearer token. When no secret is
// configured the check is disabled and requests pass through.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AuthSecret == "" {
			next(w, req)
			return
		}

		authHeader := req.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			http.Error(w, `{"error": "missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		if err := r.verifyToken(parts[1]); err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		next(w, req)
	}
}

// authorizeWS checks the websocket handshake. Browser websocket clients
// cannot set headers, so the token may also arrive as a query parameter.
func (r *Router) authorizeWS(req *http.Request) error {
	if r.cfg.AuthSecret == "" {
		return nil
	}

	tokenString := req.URL.Query().Get("token")
	if tokenString == "" {
		authHeader := req.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			tokenString = parts[1]
		}
	}
	if tokenString == "" {
		return fmt.Errorf("missing token")
	}
	return r.verifyToken(tokenString)
}
