// Package sessionlyrest provides the HTTP server setup shared by the REST
// services: CORS, request-scoped logging, panic recovery and JSON responses.
package sessionlyrest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/savaki/apigateway"
	sessionlycli "github.com/sessionly/sessionly-go/sessionly-cli"
)

func Middlewares(logger zerolog.Logger, routes chi.Router) chi.Router {
	routes.Use(
		middleware.RequestID,
		withCORS(),
		withLogger(logger),
		middleware.Recoverer,
	)
	return routes
}

// Webserver serves routes on the local port in console mode and behind API
// Gateway otherwise.
func Webserver(logger zerolog.Logger, routes chi.Router) error {
	if sessionlycli.CommonOpts.Console {
		logger.Info().Int("port", sessionlycli.CommonOpts.Port).Msg("starting http server")
		addr := fmt.Sprintf(":%v", sessionlycli.CommonOpts.Port)
		return http.ListenAndServe(addr, routes)
	}

	lambda.Start(apigateway.Wrap(routes, sessionlycli.CommonOpts.Env))
	return nil
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

func withCORS() func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
	})
}

func withLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reqLogger := logger.With().
				Str("request_id", middleware.GetReqID(req.Context())).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Logger()
			req = req.WithContext(reqLogger.WithContext(req.Context()))

			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			begin := time.Now()
			handler.ServeHTTP(ww, req)

			reqLogger.Debug().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(begin)).
				Msg("request served")
		})
	}
}
