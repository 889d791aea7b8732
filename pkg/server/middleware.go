package server

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/backend"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const maxRequestIDLength = 128

// propagateRequestID runs after chi's RequestID. It replaces oversized ids,
// echoes the id on the response and stores it for backend calls.
func propagateRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(middleware.GetReqID(r.Context()))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(backend.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(zamar.WithRequestID(r.Context(), id)))
	})
}

// recoverer answers panics with the JSON error body and logs through the
// gateway logger. chi's Recoverer writes a bare 500 and prints to stderr.
func recoverer(logger zamar.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic serving request",
						zamar.F("panic", rec),
						zamar.F("path", r.URL.Path),
						zamar.F("request_id", zamar.RequestIDFrom(r.Context())),
						zamar.F("stack", string(debug.Stack())),
					)
					httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func accessLog(logger zamar.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zamar.F("method", r.Method),
				zamar.F("path", r.URL.Path),
				zamar.F("status", ww.Status()),
				zamar.F("bytes", ww.BytesWritten()),
				zamar.F("duration", time.Since(start).String()),
				zamar.F("request_id", zamar.RequestIDFrom(r.Context())),
			)
		})
	}
}

var corsHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	zamar.HeaderImpersonation,
	backend.HeaderRequestID,
}

// corsHandler answers preflights for the configured origins. Credentials are
// only allowed with an explicit origin list.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	allowAny := false
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAny = true
		}
		cleaned = append(cleaned, strings.TrimRight(o, "/"))
	}
	if allowAny {
		cleaned = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: cleaned,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   corsHeaders,
		ExposedHeaders:   []string{backend.HeaderRequestID},
		AllowCredentials: !allowAny,
		MaxAge:           43200,
	})
}
