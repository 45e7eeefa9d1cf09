// Package contextkeys holds the request-scoped values permgate passes through
// context.Context: the request id, the acting user, where the change came
// from, and the request logger.
//
//	ctx = contextkeys.WithUserID(ctx, "ops@soundledger.io")
//	ctx = contextkeys.WithSource(ctx, contextkeys.SourceCLI)
//	actor := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

type key int

const (
	requestIDKey key = iota
	userIDKey
	sourceKey
	loggerKey
)

// Sources of a change, recorded on audit records
const (
	SourceAPI = "api"
	SourceCLI = "permctl"
)

// WithRequestID attaches the request id set by middleware.RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID attaches the acting user. Over HTTP this is the identity the
// proxy asserted; in permctl it is the -actor flag.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithSource attaches where the request entered, SourceAPI or SourceCLI
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// WithLogger attaches a request logger. The value is untyped to keep this
// package free of imports; observability stores a *Logger.
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func GetUserID(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

func GetSource(ctx context.Context) string {
	return stringValue(ctx, sourceKey)
}

// Logger returns the value stored by WithLogger, or nil
func Logger(ctx context.Context) interface{} {
	return ctx.Value(loggerKey)
}

func stringValue(ctx context.Context, k key) string {
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}
