package op

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/xid"
	"github.com/zitadel/logging"
)

type LogKey int

const (
	RequestID LogKey = iota
)

// RequestIDFromContext returns the id set by the log middleware, or the
// zero id.
func RequestIDFromContext(ctx context.Context) xid.ID {
	id, _ := ctx.Value(RequestID).(xid.ID)
	return id
}

// LogMiddleware tags each request with an id, makes the request-scoped
// logger available through the context and logs method, status and duration
// after the request finished.
func (o *Provider) LogMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := xid.New()
			ctx := context.WithValue(r.Context(), RequestID, id)
			ctx = logging.ToContext(ctx, o.logger.With("request_id", id))
			r = r.WithContext(ctx)
			lw := &loggedWriter{
				ResponseWriter: w,
			}
			next.ServeHTTP(lw, r)
			logger, ok := logging.FromContext(r.Context())
			if !ok {
				logger = o.logger
			}
			logger = logger.With(
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
				"status", lw.statusCode,
			)
			if lw.err != nil {
				logger.ErrorContext(r.Context(), "response writer", "error", lw.err)
				return
			}
			logger.InfoContext(r.Context(), "done")
		})
	}
}

type loggedWriter struct {
	http.ResponseWriter

	statusCode int
	written    int
	err        error
}

func (w *loggedWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *loggedWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	w.err = err
	return n, err
}
