// Package fetch provides the remote fetch capability used by the resolver
// and the ingestion pipeline: HTTP retrieval of federation documents with
// client-error vs server/network-error classification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	fedingest "github.com/umipu/fedingest"
)

// Client fetches remote protocol documents. FetchObject returns the decoded
// document together with the raw bytes as served, so callers can digest and
// archive the exact wire form.
type Client interface {
	FetchObject(ctx context.Context, uri string) (*fedingest.Document, []byte, error)
}

// StatusError reports a non-success status from a remote origin.
type StatusError struct {
	URI        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: status %d", e.URI, e.StatusCode)
}

// IsClientError reports whether the status indicates a request that will
// never succeed (4xx).
func (e *StatusError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsGone reports whether the remote object was deliberately removed.
func (e *StatusError) IsGone() bool {
	return e.StatusCode == 404 || e.StatusCode == 410
}

// Temporary classifies a resolution failure: true means a retry may succeed
// later (server or network trouble), false means retrying is pointless.
// Malformed references, origin-mismatch validation failures, policy
// rejections, and 4xx statuses are permanent; everything else, including
// timeouts and 5xx statuses, is temporary.
func Temporary(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.IsClientError()
	}

	var (
		malformed *fedingest.MalformedReferenceError
		invalid   *fedingest.ValidationError
		blocked   *fedingest.BlockedHostError
		suspended *fedingest.AuthorSuspendedError
		local     *fedingest.LocalResolutionError
	)
	if errors.As(err, &malformed) || errors.As(err, &invalid) || errors.As(err, &blocked) ||
		errors.As(err, &suspended) || errors.As(err, &local) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified failures lean temporary so the delivery layer retries.
	return true
}
