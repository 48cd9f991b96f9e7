package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// Relay consumes a peer instance's invalidation event stream over a
// websocket and republishes each event on the local bus, so evictions
// propagate across the deployment.
type Relay struct {
	url    string
	bus    Bus
	logger *slog.Logger
	dialer *websocket.Dialer
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) RelayOption {
	return func(r *Relay) {
		r.dialer = d
	}
}

// NewRelay creates a relay that feeds events from the given websocket URL
// into bus.
func NewRelay(url string, bus Bus, opts ...RelayOption) *Relay {
	r := &Relay{
		url:    url,
		bus:    bus,
		logger: slog.Default(),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects and consumes events until the context is cancelled,
// reconnecting on transient errors.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := r.consume(ctx); err != nil {
				r.logger.Error("relay connection error, reconnecting", "url", r.url, "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (r *Relay) consume(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer func() { _ = conn.Close() }()

	r.logger.Info("connected to invalidation relay", "url", r.url)

	// Unblock ReadMessage when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			r.logger.Warn("dropping malformed relay event", "error", err)
			continue
		}
		if ev.Kind == "" {
			continue
		}

		if err := r.bus.Publish(ctx, ev); err != nil {
			return fmt.Errorf("republish event: %w", err)
		}
	}
}
