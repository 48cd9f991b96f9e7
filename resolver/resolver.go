// Package resolver resolves actors and their signing keys from local ids,
// remote canonical URIs, or inbound-signature key identifiers, with
// multi-tier caching and network-refresh fallback.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/bus"
	"github.com/umipu/fedingest/cache"
	"github.com/umipu/fedingest/store"
	"github.com/umipu/fedingest/telemetry"
)

// DefaultRefreshWindow bounds how often key-cache and actor refreshes may be
// retriggered for one actor during signing-key resolution.
const DefaultRefreshWindow = 12 * time.Minute

// ActorFetcher is the external "resolve remote actor, optionally forcing
// re-fetch" capability. A nil actor with nil error means the actor does not
// exist at its origin.
type ActorFetcher interface {
	FetchActor(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error)
}

// SigningActor is the outcome of resolving the signer of an inbound message.
// A nil *SigningActor means the signature is not authoritative here (key and
// actor origins disagree) or the actor could not be resolved at all. A
// non-nil result with both fields nil means the actor is known deleted. A
// non-nil result with a nil Key is a present actor with no resolvable key,
// which is a normal outcome, not a failure.
type SigningActor struct {
	Actor *store.Actor
	Key   *store.PublicKey
}

// Service resolves actors and keys. All caches live on the instance; create
// one per process and Close it on shutdown to detach from the bus.
type Service struct {
	store         store.Store
	fetcher       ActorFetcher
	classifier    *fedingest.Classifier
	refreshWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time

	actorByID   *cache.Cache[string, *store.Actor]
	actorByURI  *cache.Cache[string, *store.Actor]
	keysByActor *cache.Cache[string, []store.PublicKey]
	keyByID     *cache.Cache[string, *store.PublicKey]

	unsubscribe func()
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRefreshWindow sets the freshness window for the tiered key-refresh
// protocol.
func WithRefreshWindow(d time.Duration) Option {
	return func(s *Service) {
		s.refreshWindow = d
	}
}

// WithBus subscribes the service to invalidation events. The subscription
// is detached by Close.
func WithBus(b bus.Bus) Option {
	return func(s *Service) {
		s.unsubscribe = b.Subscribe(s.onEvent)
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a resolver Service with empty caches.
func New(st store.Store, fetcher ActorFetcher, classifier *fedingest.Classifier, opts ...Option) *Service {
	s := &Service{
		store:         st,
		fetcher:       fetcher,
		classifier:    classifier,
		refreshWindow: DefaultRefreshWindow,
		logger:        slog.Default(),
		now:           time.Now,
		// Actor and key caches are unbounded; they are evicted only by
		// invalidation events.
		actorByID:   cache.New[string, *store.Actor](0),
		actorByURI:  cache.New[string, *store.Actor](0),
		keysByActor: cache.New[string, []store.PublicKey](0),
		keyByID:     cache.New[string, *store.PublicKey](0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close detaches the service from the invalidation bus.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// ResolveActorByLocalID resolves a non-deleted local actor by id. Negative
// results are cached so known-nonexistent ids do not hit storage repeatedly.
func (s *Service) ResolveActorByLocalID(ctx context.Context, id string) (*store.Actor, error) {
	recordLookup(ctx, s.actorByID, "actor_by_id", id)
	return s.actorByID.GetOrLoad(ctx, id, func(ctx context.Context) (*store.Actor, error) {
		actor, err := s.store.GetActorByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if actor.Deleted {
			return nil, nil
		}
		return actor, nil
	}, nil)
}

// ResolveActorByURI resolves a non-deleted actor by its remote canonical
// URI from storage, through the cache.
func (s *Service) ResolveActorByURI(ctx context.Context, uri string) (*store.Actor, error) {
	recordLookup(ctx, s.actorByURI, "actor_by_uri", uri)
	return s.actorByURI.GetOrLoad(ctx, uri, func(ctx context.Context) (*store.Actor, error) {
		actor, err := s.store.GetActorByURI(ctx, uri)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if actor.Deleted {
			return nil, nil
		}
		return actor, nil
	}, nil)
}

// ResolveActor resolves an actor reference, local or remote, fetching the
// remote actor through the external capability when storage has no copy.
// This is the "get or fetch" path the ingestion pipeline uses for authors.
func (s *Service) ResolveActor(ctx context.Context, uri string) (*store.Actor, error) {
	ref, err := s.classifier.Classify(uri)
	if err != nil {
		return nil, err
	}

	if ref.Local {
		if ref.ResourceType != "actors" {
			return nil, nil
		}
		return s.ResolveActorByLocalID(ctx, ref.ID)
	}

	actor, err := s.ResolveActorByURI(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		return actor, nil
	}

	actor, err = s.fetcher.FetchActor(ctx, ref.URI, false)
	if err != nil {
		return nil, err
	}
	if actor != nil && !actor.Deleted {
		s.actorByURI.Set(ref.URI, actor)
	}
	return actor, nil
}

// ResolveSigningActor resolves the actor and signing key behind an inbound
// signature, given the actor URI and the signature's key id (optional).
// See SigningActor for the outcome encoding.
func (s *Service) ResolveSigningActor(ctx context.Context, actorURI, keyID string) (*SigningActor, error) {
	if keyID != "" {
		// Peers sometimes sign other actors' messages with key ids hosted
		// elsewhere, for reply-chain reasons. Such signatures are not
		// authoritative here; this is a trust downgrade, not an error.
		if punyHost(actorURI) != punyHost(keyID) {
			s.logger.Warn("actor uri and keyId origins do not match",
				"uri", actorURI, "keyId", keyID)
			return nil, nil
		}
	}

	actor, err := s.fetcher.FetchActor(ctx, actorURI, false)
	if err != nil {
		return nil, fmt.Errorf("resolving signing actor %s: %w", actorURI, err)
	}
	if actor == nil {
		return nil, nil
	}
	if actor.Deleted {
		return &SigningActor{}, nil
	}

	keys, err := s.publicKeysByActor(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		// A keyless actor is a settled outcome, not a cache miss; do not
		// enter the refresh tiers for it.
		s.logger.Warn("no key found", "uri", actorURI, "actorId", actor.ID)
		return &SigningActor{Actor: actor}, nil
	}

	if keyID == "" {
		return &SigningActor{Actor: actor, Key: mainKey(keys)}, nil
	}

	if key := findKey(keys, keyID); key != nil {
		s.keyByID.Set(keyID, key)
		return &SigningActor{Actor: actor, Key: key}, nil
	}

	// The keyId is unknown. Key rotation and publication lag are common,
	// so retry through progressively more expensive refreshes, each tier
	// bounded by the refresh window to avoid refresh storms on one actor.
	if _, insertedAt, ok := s.keysByActor.Entry(actor.ID); ok && s.now().Sub(insertedAt) < s.refreshWindow {
		key, err := s.refreshAndFindKey(ctx, actor.ID, keyID)
		if err != nil {
			return nil, err
		}
		if key != nil {
			return &SigningActor{Actor: actor, Key: key}, nil
		}
	}

	if actor.LastFetchedAt == nil || s.now().Sub(*actor.LastFetchedAt) > s.refreshWindow {
		s.logger.Info("re-fetching actor to find public key",
			"uri", actorURI, "actorId", actor.ID, "keyId", keyID)
		renewed, err := s.fetcher.FetchActor(ctx, actorURI, true)
		if err != nil {
			return nil, fmt.Errorf("re-fetching actor %s: %w", actorURI, err)
		}
		if renewed == nil || renewed.Deleted {
			return nil, nil
		}

		key, err := s.refreshAndFindKey(ctx, actor.ID, keyID)
		if err != nil {
			return nil, err
		}
		if key != nil {
			return &SigningActor{Actor: actor, Key: key}, nil
		}
		return &SigningActor{Actor: actor}, nil
	}

	s.logger.Warn("no key found", "uri", actorURI, "actorId", actor.ID, "keyId", keyID)
	return &SigningActor{Actor: actor}, nil
}

// ResolveSigningActorByKeyID resolves the signing pair starting from a bare
// key identifier.
func (s *Service) ResolveSigningActorByKeyID(ctx context.Context, keyID string) (*SigningActor, error) {
	recordLookup(ctx, s.keyByID, "key_by_id", keyID)
	key, err := s.keyByID.GetOrLoad(ctx, keyID, func(ctx context.Context) (*store.PublicKey, error) {
		k, err := s.store.GetPublicKey(ctx, keyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return k, err
	}, func(k *store.PublicKey) bool { return k != nil })
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	actor, err := s.store.GetActorByID(ctx, key.ActorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if actor.Deleted {
		return &SigningActor{}, nil
	}
	return &SigningActor{Actor: actor, Key: key}, nil
}

// publicKeysByActor returns the cached key set for an actor, loading from
// storage on miss. Empty sets are cached too, as a non-nil slice, so keyless
// actors do not hit storage on every resolution. The cache is unbounded
// until explicitly invalidated.
func (s *Service) publicKeysByActor(ctx context.Context, actorID string) ([]store.PublicKey, error) {
	recordLookup(ctx, s.keysByActor, "keys_by_actor", actorID)
	return s.keysByActor.GetOrLoad(ctx, actorID, func(ctx context.Context) ([]store.PublicKey, error) {
		keys, err := s.store.GetPublicKeysByActor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if keys == nil {
			keys = []store.PublicKey{}
		}
		return keys, nil
	}, func(v []store.PublicKey) bool { return v != nil })
}

// refreshAndFindKey evicts the actor's key cache, reloads from storage, and
// retries the exact-match search once.
func (s *Service) refreshAndFindKey(ctx context.Context, actorID, keyID string) (*store.PublicKey, error) {
	s.evictActorKeys(actorID)
	keys, err := s.publicKeysByActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		s.logger.Warn("no keys after refresh", "actorId", actorID, "keyId", keyID)
		return nil, nil
	}
	if key := findKey(keys, keyID); key != nil {
		s.keyByID.Set(keyID, key)
		return key, nil
	}
	s.logger.Warn("no exact key after refresh", "actorId", actorID, "keyId", keyID)
	return nil, nil
}

// evictActorKeys removes the actor's key-set cache entry and any per-keyId
// entries that belong to it.
func (s *Service) evictActorKeys(actorID string) {
	s.keysByActor.Delete(actorID)
	s.keyByID.Range(func(keyID string, key *store.PublicKey) bool {
		if key != nil && key.ActorID == actorID {
			s.keyByID.Delete(keyID)
		}
		return true
	})
}

// recordLookup reports whether the cache already holds the key, so hit rates
// are observable without changing the GetOrLoad flow.
func recordLookup[K ~string, V any](ctx context.Context, c *cache.Cache[K, V], name string, key K) {
	result := "miss"
	if _, ok := c.Get(key); ok {
		result = "hit"
	}
	telemetry.RecordCacheLookup(ctx, name, result)
}

func (s *Service) onEvent(ev bus.Event) {
	if ev.Kind != bus.KindActorUpdated {
		return
	}
	telemetry.RecordInvalidation(context.Background(), ev.Kind)
	s.evictActorKeys(ev.ActorID)
	s.actorByID.Delete(ev.ActorID)
	s.actorByURI.Range(func(uri string, actor *store.Actor) bool {
		if actor != nil && actor.ID == ev.ActorID {
			s.actorByURI.Delete(uri)
		}
		return true
	})
}
