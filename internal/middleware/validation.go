package middleware

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// OpenAPIConfig controls schema validation of inbound requests.
type OpenAPIConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SpecPath string `yaml:"spec_path" json:"spec_path"`
}

func DefaultOpenAPIConfig() *OpenAPIConfig {
	return &OpenAPIConfig{
		Enabled:  false,
		SpecPath: "docs/openapi.yaml",
	}
}

// OpenAPIValidator validates requests against the service's API document.
type OpenAPIValidator struct {
	cfg    *OpenAPIConfig
	router routers.Router
	logger *logrus.Logger
}

func NewOpenAPIValidator(cfg *OpenAPIConfig, logger *logrus.Logger) (*OpenAPIValidator, error) {
	if cfg == nil {
		cfg = DefaultOpenAPIConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	v := &OpenAPIValidator{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return v, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(cfg.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("loading OpenAPI document from %s: %w", cfg.SpecPath, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("building OpenAPI router: %w", err)
	}
	v.router = router
	return v, nil
}

// Middleware rejects requests that do not conform to the API document.
func (v *OpenAPIValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.cfg.Enabled || v.router == nil {
			next.ServeHTTP(w, r)
			return
		}

		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			// Unknown paths fall through to the mux, which returns 404.
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
				"error":  err.Error(),
			}).Debug("Request failed schema validation")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":{"type":"validation_error","message":%q}}`, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
