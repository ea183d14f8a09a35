package kit

import "context"

type contextKey string

const (
	transportKey contextKey = "kit_transport" // "http" | "mcp"
	requestIDKey contextKey = "kit_request_id"
	pageIDKey    contextKey = "kit_page_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithPageID scopes a call to one observed page.
func WithPageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, pageIDKey, id)
}

func GetPageID(ctx context.Context) string {
	v, _ := ctx.Value(pageIDKey).(string)
	return v
}
