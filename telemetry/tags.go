// Package telemetry provides metrics and request tagging for structured logging.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// operationKey is the context key for propagating the operation to background goroutines.
	operationKey contextKey = "operation"
)

// ResolveResult represents the outcome of a resolution request.
type ResolveResult string

const (
	ResolvePersisted ResolveResult = "persisted"
	ResolveDuplicate ResolveResult = "duplicate"
	ResolveVote      ResolveResult = "vote"
	ResolveRejected  ResolveResult = "rejected"
	ResolveError     ResolveResult = "error"
	ResolveNA        ResolveResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Operation string
	Result    ResolveResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: ResolveNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetResult sets the resolution result for logging.
func SetResult(r *http.Request, result ResolveResult) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// OperationFromContext retrieves the operation from a context.
// It checks both background contexts (set by WithOperationContext) and
// request contexts (set by SetOperation via InjectTags).
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Operation
	}
	return ""
}

// WithOperationContext returns a context with the operation stored.
// Use this to propagate the operation into goroutines that outlive the request context.
func WithOperationContext(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}
