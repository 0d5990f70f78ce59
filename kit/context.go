package kit

import "context"

type contextKey string

// Keys set by the relay's network surfaces and read by endpoints, the hub
// and the logging middleware.
const (
	TransportKey  contextKey = "kit_transport" // "http", "websocket", "quic", "mcp"
	RequestIDKey  contextKey = "kit_request_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	ClientIDKey   contextKey = "kit_client_id"
)

func str(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithTransport names the surface a request arrived on.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if t := str(ctx, TransportKey); t != "" {
		return t
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string { return str(ctx, RequestIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string { return str(ctx, RemoteAddrKey) }

// WithClientID records the sync client a connection belongs to.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}
func GetClientID(ctx context.Context) string { return str(ctx, ClientIDKey) }
