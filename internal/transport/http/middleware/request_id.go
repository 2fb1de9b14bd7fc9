package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"evalcycle/internal/requestctx"
)

const maxRequestIDLength = 128

// RequestID trusts a caller-supplied X-Request-ID so activity events can be joined with
// upstream logs; oversized values are replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > maxRequestIDLength {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := requestctx.WithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	return requestctx.GetRequestID(ctx)
}
