package context

import "context"

type requestIDKey struct{}

// NoRequestID is used for trace ids when a request carried none.
const NoRequestID = "no-request-id"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TraceID returns the request id, or NoRequestID when the context has none.
func TraceID(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return NoRequestID
}
