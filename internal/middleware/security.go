package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/chipster6/adaptive-routing-engine/internal/security"
)

// SecurityConfig aggregates the protective layers applied to the API.
type SecurityConfig struct {
	Auth       *security.AuthConfig       `yaml:"auth" json:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation" json:"validation"`
	OpenAPI    *OpenAPIConfig             `yaml:"openapi" json:"openapi"`
}

func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		Auth:       security.DefaultAuthConfig(),
		RateLimit:  security.DefaultRateLimitConfig(),
		Validation: security.DefaultValidationConfig(),
		OpenAPI:    DefaultOpenAPIConfig(),
	}
}

// SecurityMiddleware wires authentication, rate limiting and request
// validation into a single handler chain.
type SecurityMiddleware struct {
	authenticator *security.Authenticator
	rateLimiter   *security.RateLimiter
	validator     *security.RequestValidator
	openapi       *OpenAPIValidator
	logger        *logrus.Logger
}

func NewSecurityMiddleware(cfg *SecurityConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	if cfg == nil {
		cfg = DefaultSecurityConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	openapi, err := NewOpenAPIValidator(cfg.OpenAPI, logger)
	if err != nil {
		return nil, err
	}

	return &SecurityMiddleware{
		authenticator: security.NewAuthenticator(cfg.Auth, logger),
		rateLimiter:   security.NewRateLimiter(cfg.RateLimit, logger),
		validator:     security.NewRequestValidator(cfg.Validation, logger),
		openapi:       openapi,
		logger:        logger,
	}, nil
}

// Wrap applies the security layers, outermost first: headers, rate
// limiting, authentication, structural validation, schema validation.
func (sm *SecurityMiddleware) Wrap(next http.Handler) http.Handler {
	handler := sm.openapi.Middleware(next)
	handler = sm.validator.Middleware(handler)
	handler = sm.authenticator.Middleware(handler)
	handler = sm.rateLimiter.Middleware(handler)
	return securityHeaders(handler)
}

// Authenticator exposes the underlying authenticator for token issuance.
func (sm *SecurityMiddleware) Authenticator() *security.Authenticator {
	return sm.authenticator
}

// Close releases background resources held by the middleware.
func (sm *SecurityMiddleware) Close() {
	sm.rateLimiter.Close()
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
