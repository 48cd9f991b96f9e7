package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport records remote fetch metrics around an underlying
// http.RoundTripper. Timing covers the full exchange, from the request
// leaving until the response body is closed, so slow origins and slow
// bodies both show up in the duration histogram.
type InstrumentedTransport struct {
	base http.RoundTripper
	kind string
}

// NewInstrumentedTransport wraps base, labelling recorded fetches with kind
// ("object" or "actor"). A nil base falls back to http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, kind string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, kind: kind}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteFetch(req.Context(), t.kind, time.Since(start), 0, outcome)
		return nil, err
	}

	// Defer recording until the caller closes the body so the byte count
	// reflects what was actually read.
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		kind:       t.kind,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}

	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	kind     string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

// Close records the fetch once, even when called repeatedly.
func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordRemoteFetch(b.ctx, b.kind, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
