package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/soundledger/permgate/pkg/contextkeys"
	"github.com/soundledger/permgate/pkg/httputil"
	"github.com/soundledger/permgate/pkg/observability"
)

// DefaultUserHeader carries the user ID set by the authenticating proxy
const DefaultUserHeader = "X-User-ID"

// RequestIDHeader is echoed back on every response
const RequestIDHeader = "X-Request-ID"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@|-]{1,128}$`)

// Identity copies the caller's user ID from a trusted header into the
// request context. Requests without the header pass through unauthenticated;
// the permission middleware answers them with 401.
type Identity struct {
	header string
}

// NewIdentity creates the identity middleware. An empty header selects DefaultUserHeader.
func NewIdentity(header string) *Identity {
	if header == "" {
		header = DefaultUserHeader
	}
	return &Identity{header: header}
}

// Handler wraps an HTTP handler with identity extraction
func (m *Identity) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(m.header)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !userIDPattern.MatchString(userID) {
			httputil.WriteBadRequest(w, "invalid user id header")
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID assigns a request ID (reusing a valid incoming one) and attaches
// a request scoped logger
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = contextkeys.WithSource(ctx, contextkeys.SourceAPI)
			if logger != nil {
				ctx = observability.WithLogger(ctx, logger)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user ID of the request, or ""
func UserID(r *http.Request) string {
	return contextkeys.GetUserID(r.Context())
}
