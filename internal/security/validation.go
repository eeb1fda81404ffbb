package security

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationConfig bounds the shape of inbound API requests before they
// reach the handlers.
type ValidationConfig struct {
	Enabled      bool  `yaml:"enabled" json:"enabled"`
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		Enabled:      true,
		MaxBodyBytes: 1 << 20,
	}
}

var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// ValidServiceName reports whether a service identifier is well formed.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}

// RequestValidator performs cheap structural checks on incoming requests.
type RequestValidator struct {
	cfg    *ValidationConfig
	logger *logrus.Logger
}

func NewRequestValidator(cfg *ValidationConfig, logger *logrus.Logger) *RequestValidator {
	if cfg == nil {
		cfg = DefaultValidationConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RequestValidator{cfg: cfg, logger: logger}
}

// Middleware enforces content-type and body size limits on mutating requests.
func (v *RequestValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeValidationError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
				return
			}
			if r.ContentLength > v.cfg.MaxBodyBytes {
				v.logger.WithFields(logrus.Fields{
					"client_ip":      ClientIP(r),
					"content_length": r.ContentLength,
				}).Warn("Rejected oversized request body")
				writeValidationError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, v.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// DecodeJSON strictly decodes a request body into dst.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeValidationError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"validation_error","message":%q}}`, message)
}
