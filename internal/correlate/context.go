// SPDX-License-Identifier: Apache-2.0

package correlate

import (
	"context"
	"strings"
)

type correlationIDContextKey struct{}

var ctxCorrelationIDKey correlationIDContextKey

// WithCorrelationID stores a correlation id on the context so that every
// event published while handling the request carries it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationIDKey, id)
}

// CorrelationIDFromContext reads the correlation id from context.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxCorrelationIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
