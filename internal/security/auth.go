package security

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

// ContextKeyIdentity carries the authenticated caller through the request context.
const ContextKeyIdentity contextKey = "identity"

// AuthConfig controls authentication for the operations API.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	APIKeys   []string      `yaml:"api_keys" json:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" json:"jwt_expiry"`
}

// DefaultAuthConfig returns auth settings suitable for local development.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:   false,
		JWTExpiry: 24 * time.Hour,
	}
}

// Identity describes an authenticated operations API caller.
type Identity struct {
	ClientID string
	Method   string
	Scopes   []string
}

// Claims is the JWT payload issued for operator sessions.
type Claims struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates API keys and operator JWTs.
type Authenticator struct {
	cfg    *AuthConfig
	logger *logrus.Logger
}

func NewAuthenticator(cfg *AuthConfig, logger *logrus.Logger) *Authenticator {
	if cfg == nil {
		cfg = DefaultAuthConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// ValidateAPIKey checks a key against the configured set in constant time.
func (a *Authenticator) ValidateAPIKey(key string) bool {
	if key == "" {
		return false
	}
	valid := false
	for _, candidate := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			valid = true
		}
	}
	return valid
}

// IssueToken mints a signed JWT for an operator session.
func (a *Authenticator) IssueToken(clientID string, scopes []string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWTExpiry)),
			Issuer:    "routing-engine",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// ValidateToken parses and verifies an operator JWT.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// Middleware enforces authentication on the wrapped handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if !a.ValidateAPIKey(key) {
				a.logger.WithFields(logrus.Fields{
					"client_ip": ClientIP(r),
					"path":      r.URL.Path,
				}).Warn("Rejected request with invalid API key")
				writeUnauthorized(w, "invalid API key")
				return
			}
			id := &Identity{ClientID: maskKey(key), Method: "api_key"}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyIdentity, id)))
			return
		}

		if token := extractBearer(r); token != "" {
			claims, err := a.ValidateToken(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"client_ip": ClientIP(r),
					"path":      r.URL.Path,
					"error":     err.Error(),
				}).Warn("Rejected request with invalid token")
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			id := &Identity{ClientID: claims.ClientID, Method: "jwt", Scopes: claims.Scopes}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyIdentity, id)))
			return
		}

		writeUnauthorized(w, "authentication required")
	})
}

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(*Identity)
	return id, ok
}

// ClientIP extracts the caller address, honoring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "key-****"
	}
	return "key-" + key[len(key)-4:]
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"type":"unauthorized","message":%q}}`, message)
}
