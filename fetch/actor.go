package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/bus"
	"github.com/umipu/fedingest/store"
)

// actorTypes are the document types accepted as actors.
var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// ActorKey is a signing key as published in an actor document.
type ActorKey struct {
	ID           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPEM string `json:"publicKeyPem,omitempty"`
}

// ActorKeys decodes either a single key object or an array.
type ActorKeys []ActorKey

// UnmarshalJSON implements json.Unmarshaler.
func (k *ActorKeys) UnmarshalJSON(data []byte) error {
	*k = nil

	var list []ActorKey
	if err := json.Unmarshal(data, &list); err == nil {
		*k = list
		return nil
	}

	var single ActorKey
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*k = ActorKeys{single}
	return nil
}

// ActorDocument is a federation actor object as served by its origin.
type ActorDocument struct {
	ID                string         `json:"id,omitempty"`
	Type              string         `json:"type,omitempty"`
	PreferredUsername string         `json:"preferredUsername,omitempty"`
	Followers         fedingest.Refs `json:"followers,omitempty"`
	Suspended         bool           `json:"suspended,omitempty"`
	PublicKey         ActorKeys      `json:"publicKey,omitempty"`
}

// FetchActorDocument retrieves and decodes the actor document at uri.
func (c *HTTPClient) FetchActorDocument(ctx context.Context, uri string) (*ActorDocument, error) {
	raw, err := c.get(ctx, uri)
	if err != nil {
		return nil, err
	}

	var doc ActorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &fedingest.MalformedReferenceError{Value: uri, Err: err}
	}
	return &doc, nil
}

// ActorFetcher implements the "resolve remote actor, optionally forcing
// re-fetch" capability: it serves actors from storage while fresh, fetches
// the remote document otherwise, persists the actor and its key set, and
// publishes an invalidation event when the key set changed.
type ActorFetcher struct {
	client       *HTTPClient
	store        store.Store
	bus          bus.Bus
	refreshAfter time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// ActorFetcherOption configures an ActorFetcher.
type ActorFetcherOption func(*ActorFetcher)

// WithRefreshAfter sets how long a stored actor stays fresh before a
// non-forced fetch goes back to the network. Default 24h.
func WithRefreshAfter(d time.Duration) ActorFetcherOption {
	return func(f *ActorFetcher) {
		f.refreshAfter = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ActorFetcherOption {
	return func(f *ActorFetcher) {
		f.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ActorFetcherOption {
	return func(f *ActorFetcher) {
		f.now = now
	}
}

// NewActorFetcher creates an ActorFetcher.
func NewActorFetcher(client *HTTPClient, st store.Store, b bus.Bus, opts ...ActorFetcherOption) *ActorFetcher {
	f := &ActorFetcher{
		client:       client,
		store:        st,
		bus:          b,
		refreshAfter: 24 * time.Hour,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchActor resolves the actor at uri. A nil actor with a nil error means
// the actor does not exist at its origin (absent). Network failures fall
// back to the stored copy when one exists.
func (f *ActorFetcher) FetchActor(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error) {
	existing, err := f.store.GetActorByURI(ctx, uri)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up actor %s: %w", uri, err)
	}

	if existing != nil && !forceRefresh && f.fresh(existing) {
		return existing, nil
	}

	doc, err := f.client.FetchActorDocument(ctx, uri)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.IsGone() {
			return f.markDeleted(ctx, existing)
		}
		if existing != nil {
			f.logger.Warn("actor refresh failed, serving stored copy",
				"uri", uri, "error", err)
			return existing, nil
		}
		return nil, err
	}

	actor, keys, err := f.validate(uri, doc)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		actor.ID = existing.ID
	} else {
		actor.ID = uuid.NewString()
	}
	now := f.now()
	actor.LastFetchedAt = &now
	for i := range keys {
		keys[i].ActorID = actor.ID
	}

	if err := f.store.UpsertActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("persisting actor %s: %w", uri, err)
	}

	changed, err := f.replaceKeys(ctx, actor.ID, keys)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := f.bus.Publish(ctx, bus.Event{Kind: bus.KindActorUpdated, ActorID: actor.ID}); err != nil {
			f.logger.Warn("failed to publish actor invalidation", "actorId", actor.ID, "error", err)
		}
	}

	return actor, nil
}

func (f *ActorFetcher) fresh(a *store.Actor) bool {
	return a.LastFetchedAt != nil && f.now().Sub(*a.LastFetchedAt) < f.refreshAfter
}

func (f *ActorFetcher) validate(uri string, doc *ActorDocument) (*store.Actor, []store.PublicKey, error) {
	if doc.ID == "" {
		return nil, nil, &fedingest.ValidationError{URI: uri, Field: "id", Detail: "missing"}
	}
	if !actorTypes[doc.Type] {
		return nil, nil, &fedingest.ValidationError{URI: uri, Field: "type", Detail: fmt.Sprintf("not an actor type: %q", doc.Type)}
	}

	host := fedingest.Host(uri)
	if docHost := fedingest.Host(doc.ID); docHost != host {
		return nil, nil, &fedingest.ValidationError{
			URI: uri, Field: "id",
			Detail: fmt.Sprintf("host mismatch: expected %s, got %s", host, docHost),
		}
	}

	actor := &store.Actor{
		URI:          doc.ID,
		Username:     doc.PreferredUsername,
		Host:         host,
		FollowersURI: doc.Followers.First(),
		Suspended:    doc.Suspended,
	}

	var keys []store.PublicKey
	for _, k := range doc.PublicKey {
		if k.ID == "" || k.PublicKeyPEM == "" {
			continue
		}
		if k.Owner != "" && k.Owner != doc.ID {
			f.logger.Warn("skipping key with foreign owner", "uri", uri, "keyId", k.ID, "owner", k.Owner)
			continue
		}
		keys = append(keys, store.PublicKey{KeyID: k.ID, PublicKeyPEM: k.PublicKeyPEM})
	}
	return actor, keys, nil
}

func (f *ActorFetcher) markDeleted(ctx context.Context, existing *store.Actor) (*store.Actor, error) {
	if existing == nil {
		return nil, nil
	}
	if !existing.Deleted {
		existing.Deleted = true
		now := f.now()
		existing.LastFetchedAt = &now
		if err := f.store.UpsertActor(ctx, existing); err != nil {
			return nil, fmt.Errorf("marking actor deleted: %w", err)
		}
		if err := f.bus.Publish(ctx, bus.Event{Kind: bus.KindActorUpdated, ActorID: existing.ID}); err != nil {
			f.logger.Warn("failed to publish actor invalidation", "actorId", existing.ID, "error", err)
		}
	}
	return existing, nil
}

// replaceKeys persists the new key set and reports whether it differs from
// the stored one.
func (f *ActorFetcher) replaceKeys(ctx context.Context, actorID string, keys []store.PublicKey) (bool, error) {
	old, err := f.store.GetPublicKeysByActor(ctx, actorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("looking up keys: %w", err)
	}

	if keysEqual(old, keys) {
		return false, nil
	}
	if err := f.store.ReplacePublicKeys(ctx, actorID, keys); err != nil {
		return false, fmt.Errorf("replacing keys: %w", err)
	}
	return true, nil
}

func keysEqual(a, b []store.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]string, len(a))
	for _, k := range a {
		byID[k.KeyID] = k.PublicKeyPEM
	}
	for _, k := range b {
		if pem, ok := byID[k.KeyID]; !ok || pem != k.PublicKeyPEM {
			return false
		}
	}
	return true
}
