package fedingest

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ResourceRef is the classification of a federation object identifier:
// either a resource served by this instance or a remote canonical URI.
type ResourceRef struct {
	// Local is true if the identifier was generated by this instance.
	Local bool

	// ResourceType and ID are the first two path segments of a local
	// identifier, e.g. "posts" and the record id. They may be empty for
	// local URIs with short paths; callers decide how to treat those.
	ResourceType string
	ID           string

	// Rest is any remaining path after the id, without the leading slash.
	Rest string

	// URI is the normalized canonical URI of a remote identifier.
	URI string
}

// Classifier maps object identifiers onto this instance's origin.
type Classifier struct {
	origin *url.URL
}

// NewClassifier creates a Classifier for the given canonical origin,
// e.g. "https://example.com".
func NewClassifier(origin string) (*Classifier, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, &MalformedReferenceError{Value: origin, Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &MalformedReferenceError{Value: origin}
	}
	return &Classifier{origin: u}, nil
}

// Origin returns the configured canonical origin.
func (c *Classifier) Origin() string {
	return c.origin.Scheme + "://" + c.origin.Host
}

// RefID extracts the canonical identifier from a raw URI string or an
// embedded document.
func RefID(value any) (string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return "", &MalformedReferenceError{Value: v}
		}
		return v, nil
	case *Document:
		if v == nil || v.ID == "" {
			return "", &MalformedReferenceError{Value: "<document>"}
		}
		return v.ID, nil
	case Document:
		if v.ID == "" {
			return "", &MalformedReferenceError{Value: "<document>"}
		}
		return v.ID, nil
	default:
		return "", &MalformedReferenceError{Value: "<unknown>"}
	}
}

// Classify maps a raw URI string or an embedded document onto a ResourceRef.
// Identifiers under this instance's origin produce Local refs with the path
// parsed as /<resourceType>/<id>[/<rest>]; everything else produces a Remote
// ref with the URI normalized, so equivalent inputs classify identically.
func (c *Classifier) Classify(value any) (ResourceRef, error) {
	id, err := RefID(value)
	if err != nil {
		return ResourceRef{}, err
	}

	u, err := url.Parse(id)
	if err != nil {
		return ResourceRef{}, &MalformedReferenceError{Value: id, Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return ResourceRef{}, &MalformedReferenceError{Value: id}
	}

	if !strings.EqualFold(u.Scheme, c.origin.Scheme) || !strings.EqualFold(u.Host, c.origin.Host) {
		// Scheme and host are case-insensitive, so fold them before the URI
		// becomes a dedup and lock key.
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		return ResourceRef{URI: u.String()}, nil
	}

	// Path layout: /<resourceType>/<id>[/<rest...>]. Short paths yield empty
	// fields on purpose; unknown-type handling is the caller's decision.
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 3)
	ref := ResourceRef{Local: true}
	if len(parts) > 0 {
		ref.ResourceType = parts[0]
	}
	if len(parts) > 1 {
		ref.ID = parts[1]
	}
	if len(parts) > 2 {
		ref.Rest = parts[2]
	}
	return ref, nil
}

// Host returns the host (including any port) of a URI, or "" if the URI
// cannot be parsed.
func Host(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// PunyHost returns the host of a URI in lowercased punycode form, with any
// explicit port preserved. Unparseable or hostless values map to "" so that
// origin comparisons on garbage input never succeed through a shared normal
// form other than emptiness on both sides.
func PunyHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(host, port)
	}
	return host
}
