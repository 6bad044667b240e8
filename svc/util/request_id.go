package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	RequestIDHeader            = "X-Request-ID"
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored by SetRequestID, or a fresh one for
// work that did not start from a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func NewRequestID() string {
	return uuid.NewString()
}

// ValidRequestID accepts client supplied ids only if they are UUIDs, so
// arbitrary header content never reaches the logs.
func ValidRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
