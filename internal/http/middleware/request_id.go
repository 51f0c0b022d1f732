package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sidecarr/sidecarr/internal/observability"
)

// RequestIDHeader is the request id header honored on ingress and echoed on
// every response.
const RequestIDHeader = "X-Request-ID"

// RequestID injects a request id into the context, generating one when the
// caller did not supply it. A request-scoped logger carrying the id is
// stashed alongside for downstream handlers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := observability.ContextWithRequestID(r.Context(), id)
		logger := observability.LoggerFromContext(ctx).With(slog.String("request_id", id))
		ctx = observability.ContextWithLogger(ctx, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id from the context, or "".
func GetRequestID(ctx context.Context) string {
	return observability.RequestIDFromContext(ctx)
}
