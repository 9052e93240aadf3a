package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/presence-stream/api"
)

const adminScheme = "adminToken"

var (
	errAdminDisabled = errors.New("admin endpoints are disabled")
	errBadToken      = errors.New("invalid admin token")
)

// LoadSwagger parses the embedded OpenAPI document.
func LoadSwagger() (*openapi3.T, error) {
	swagger, err := openapi3.NewLoader().LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	if err := swagger.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validating openapi spec: %w", err)
	}
	swagger.Servers = nil // Allow any host
	return swagger, nil
}

func NewRouter(server *Server, logger *zap.Logger) (http.Handler, error) {
	swagger, err := LoadSwagger()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)

	// Event streams: never compressed, admission limited per client
	r.Group(func(streams chi.Router) {
		if server.cfg.ConnectRate > 0 {
			streams.Use(newConnLimiter(server.cfg.ConnectRate, server.cfg.ConnectBurst).middleware(logger))
		}
		for _, name := range KnownProviders {
			streams.Get("/v1/integrations/"+name+"-stream", server.handleSSE(name))
			streams.Get("/v1/integrations/"+name+"-ws", server.handleWebSocket(name))
		}
	})

	// JSON routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		apiRouter.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
			Options: openapi3filter.Options{
				AuthenticationFunc: server.authenticate,
			},
			ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
				writeJSON(w, statusCode, ackResponse{Success: false, Message: message})
			},
		}))

		apiRouter.Get("/health", server.handleHealth)
		apiRouter.Get("/v1/integrations/{provider}", server.handleCurrent)
		apiRouter.Get("/v1/integrations/{provider}/stats", server.handleStats)
		apiRouter.Post("/v1/integrations/{provider}/reset", server.handleReset)
	})

	return r, nil
}

// authenticate checks the admin bearer token for operations that declare it.
func (s *Server) authenticate(_ context.Context, in *openapi3filter.AuthenticationInput) error {
	if in.SecuritySchemeName != adminScheme {
		return fmt.Errorf("unsupported security scheme %q", in.SecuritySchemeName)
	}
	if s.cfg.AdminToken == "" {
		return errAdminDisabled
	}
	header := in.RequestValidationInput.Request.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		return errBadToken
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Presence Stream API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
