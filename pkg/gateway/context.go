package gateway

import "context"

type ctxKey string

const connectionKey ctxKey = "connection"

func withConnection(ctx context.Context, conn *Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

// ConnectionFromContext returns the connection a message handler runs for.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	if ctx == nil {
		return nil, false
	}
	conn, ok := ctx.Value(connectionKey).(*Connection)
	return conn, ok
}
