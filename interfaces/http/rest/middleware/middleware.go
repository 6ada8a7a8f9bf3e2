// Package middleware carries the HTTP middleware for the viewer bridge:
// request logging and viewer identity extraction.
package middleware

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const viewerKey contextKey = "viewer"

// HeaderViewer is the request header naming the viewer making the call.
const HeaderViewer = "X-Lattice-Viewer"

// DefaultViewer is assumed when a request does not identify itself. Panes
// that never set the header still get a working, attributable identity.
const DefaultViewer = "anonymous"

// Viewer reads the viewer identity from the request header and stores it
// on the context for handlers to attach as mutation provenance.
func Viewer() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewer := r.Header.Get(HeaderViewer)
			if viewer == "" {
				viewer = DefaultViewer
			}
			ctx := context.WithValue(r.Context(), viewerKey, viewer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ViewerFrom returns the viewer identity stored by Viewer.
func ViewerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(viewerKey).(string); ok && v != "" {
		return v
	}
	return DefaultViewer
}

// Logger logs one line per request with the wrapped status code.
func Logger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("viewer", ViewerFrom(r.Context())),
			)
		})
	}
}
