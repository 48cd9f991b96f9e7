package fedingest

import "fmt"

// MalformedReferenceError reports an object reference that is not a
// well-formed URI, or an embedded object with no usable id.
type MalformedReferenceError struct {
	Value string
	Err   error
}

func (e *MalformedReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed reference %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("malformed reference %q", e.Value)
}

func (e *MalformedReferenceError) Unwrap() error { return e.Err }

// ValidationError reports a remote document whose claimed identity does not
// match the origin it was fetched from. These are treated as spoofing
// attempts and never retried.
type ValidationError struct {
	URI    string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid document %s: %s: %s", e.URI, e.Field, e.Detail)
}

// BlockedHostError reports a reference to an origin on the instance's
// blocked-host list. Maps to an HTTP 451-equivalent at the delivery surface.
type BlockedHostError struct {
	Host string
}

func (e *BlockedHostError) Error() string {
	return fmt.Sprintf("host %s is blocked", e.Host)
}

// AuthorSuspendedError aborts ingestion of a document whose author is
// suspended on this instance.
type AuthorSuspendedError struct {
	ActorURI string
}

func (e *AuthorSuspendedError) Error() string {
	return fmt.Sprintf("author %s is suspended", e.ActorURI)
}

// LocalResolutionError reports an attempt to resolve a URI served by this
// instance as if it were a remote object.
type LocalResolutionError struct {
	URI string
}

func (e *LocalResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve local uri %s as remote", e.URI)
}
