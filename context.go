package titanfs

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/waf"
)

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

var (
	requestIDContextKey = &contextKey{"request-id"} //nolint:gochecknoglobals
	schemaContextKey    = &contextKey{"schema"}     //nolint:gochecknoglobals
)

// WithFallbackDBContext returns context with fallback context values which are
// used to set application name and schema on PostgreSQL connections when it is
// not part of the request.
func WithFallbackDBContext(ctx context.Context, name, schema string) context.Context {
	ctx = context.WithValue(ctx, requestIDContextKey, name)
	ctx = context.WithValue(ctx, schemaContextKey, schema)
	return ctx
}

func getRequestWithFallback(logger zerolog.Logger) func(context.Context) (string, string) {
	return func(ctx context.Context) (string, string) {
		schema, ok := ctx.Value(schemaContextKey).(string)
		if !ok {
			site, ok2 := waf.GetSite[*Site](ctx)
			if !ok2 {
				logger.Warn().Msg("database request outside of site and fallback contexts")
				return "", ""
			}
			schema = site.Schema
		}
		requestID, ok := ctx.Value(requestIDContextKey).(string)
		if !ok {
			if id, ok2 := waf.RequestID(ctx); ok2 {
				requestID = id.String()
			}
		}
		return schema, requestID
	}
}
