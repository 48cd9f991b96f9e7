package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/bus"
	"github.com/umipu/fedingest/store"
	"github.com/umipu/fedingest/store/storetest"
)

type fakeFetcher struct {
	calls      int
	forced     int
	fetchActor func(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error)
}

func (f *fakeFetcher) FetchActor(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error) {
	f.calls++
	if forceRefresh {
		f.forced++
	}
	return f.fetchActor(ctx, uri, forceRefresh)
}

func newTestService(t *testing.T, st *storetest.Store, fetcher ActorFetcher, opts ...Option) *Service {
	t.Helper()

	classifier, err := fedingest.NewClassifier("https://local.example")
	require.NoError(t, err)

	return New(st, fetcher, classifier, opts...)
}

func fetchFromStore(st *storetest.Store) func(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error) {
	return func(ctx context.Context, uri string, _ bool) (*store.Actor, error) {
		actor, err := st.GetActorByURI(ctx, uri)
		if err == store.ErrNotFound {
			return nil, nil
		}
		return actor, err
	}
}

func TestResolveSigningActorHostMismatch(t *testing.T) {
	st := storetest.New()
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://beta.example/users/1#main-key")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Zero(t, fetcher.calls, "mismatched origins must not trigger a fetch")
}

func TestResolveSigningActorIDNHostsMatch(t *testing.T) {
	now := time.Now()
	st := storetest.New()
	st.AddActor(&store.Actor{
		ID: "a1", URI: "https://xn--bcher-kva.example/users/1",
		Username: "alice", Host: "xn--bcher-kva.example", LastFetchedAt: &now,
	})
	st.AddKeys("a1", store.PublicKey{
		KeyID: "https://xn--bcher-kva.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem",
	})
	// Dereferencing the unicode spelling over the network lands on the
	// canonical punycode id, whatever the caller typed.
	fetcher := &fakeFetcher{fetchActor: func(ctx context.Context, _ string, _ bool) (*store.Actor, error) {
		return st.GetActorByURI(ctx, "https://xn--bcher-kva.example/users/1")
	}}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://bücher.example/users/1", "https://xn--bcher-kva.example/users/1#main-key")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Key)
	require.Equal(t, 1, fetcher.calls, "idn-equivalent hosts must pass the origin guard")
}

func TestResolveSigningActorDeleted(t *testing.T) {
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", Deleted: true})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(), "https://alpha.example/users/1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Nil(t, got.Actor)
	require.Nil(t, got.Key)
}

func TestResolveSigningActorUnknown(t *testing.T) {
	st := storetest.New()
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(), "https://alpha.example/users/404", "")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestResolveSigningActorKeylessCached(t *testing.T) {
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example"})

	var keyLoads int
	st.GetPublicKeysByActorFn = func(context.Context, string) ([]store.PublicKey, error) {
		keyLoads++
		return nil, nil
	}
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	for i := 0; i < 2; i++ {
		got, err := svc.ResolveSigningActor(context.Background(),
			"https://alpha.example/users/1", "https://alpha.example/users/1#main-key")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NotNil(t, got.Actor)
		require.Nil(t, got.Key)
	}
	require.Equal(t, 1, keyLoads, "empty key set must be cached")
	require.Zero(t, fetcher.forced, "keyless actors must not enter the refresh tiers")
}

func TestResolveSigningActorExactKey(t *testing.T) {
	now := time.Now()
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", LastFetchedAt: &now})
	st.AddKeys("a1",
		store.PublicKey{KeyID: "https://alpha.example/users/1#other", ActorID: "a1", PublicKeyPEM: "pem-other"},
		store.PublicKey{KeyID: "https://alpha.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem-main"},
	)
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#other")
	require.NoError(t, err)
	require.NotNil(t, got.Key)
	require.Equal(t, "pem-other", got.Key.PublicKeyPEM)
}

func TestResolveSigningActorKeyRotationRefresh(t *testing.T) {
	now := time.Now()
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", LastFetchedAt: &now})
	st.AddKeys("a1", store.PublicKey{KeyID: "https://alpha.example/users/1#old", ActorID: "a1", PublicKeyPEM: "pem-old"})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	// Warm the key cache with the old set.
	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#old")
	require.NoError(t, err)
	require.NotNil(t, got.Key)

	// Rotate in storage; the cached set is fresh, so the resolver must
	// re-read storage rather than re-fetch over the network.
	require.NoError(t, st.ReplacePublicKeys(context.Background(), "a1",
		[]store.PublicKey{{KeyID: "https://alpha.example/users/1#new", ActorID: "a1", PublicKeyPEM: "pem-new"}}))

	calls := fetcher.calls
	got, err = svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#new")
	require.NoError(t, err)
	require.NotNil(t, got.Key)
	require.Equal(t, "pem-new", got.Key.PublicKeyPEM)
	require.Equal(t, calls+1, fetcher.calls, "only the initial non-forced fetch per call")
	require.Zero(t, fetcher.forced)
}

func TestResolveSigningActorStaleActorForcesRefetch(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", LastFetchedAt: &stale})
	st.AddKeys("a1", store.PublicKey{KeyID: "https://alpha.example/users/1#old", ActorID: "a1", PublicKeyPEM: "pem-old"})
	fetcher := &fakeFetcher{}
	fetcher.fetchActor = func(ctx context.Context, uri string, forceRefresh bool) (*store.Actor, error) {
		if forceRefresh {
			// The forced re-fetch discovers the rotated key.
			st.AddKeys("a1", store.PublicKey{
				KeyID: "https://alpha.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem",
			})
		}
		return fetchFromStore(st)(ctx, uri, forceRefresh)
	}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#main-key")
	require.NoError(t, err)
	require.NotNil(t, got.Key)
	require.Equal(t, 1, fetcher.forced)
}

func TestResolveSigningActorKeyless(t *testing.T) {
	now := time.Now()
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", LastFetchedAt: &now})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#main-key")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Actor)
	require.Nil(t, got.Key, "an actor with no keys is still a valid resolution")
}

func TestResolveSigningActorByKeyID(t *testing.T) {
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example"})
	st.AddKeys("a1", store.PublicKey{KeyID: "https://alpha.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem"})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveSigningActorByKeyID(context.Background(), "https://alpha.example/users/1#main-key")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "a1", got.Actor.ID)

	got, err = svc.ResolveSigningActorByKeyID(context.Background(), "https://alpha.example/users/1#nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestResolveActorFetchesUnknownRemote(t *testing.T) {
	st := storetest.New()
	remote := &store.Actor{ID: "a9", URI: "https://beta.example/users/9", Host: "beta.example"}
	fetcher := &fakeFetcher{fetchActor: func(context.Context, string, bool) (*store.Actor, error) {
		return remote, nil
	}}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveActor(context.Background(), "https://beta.example/users/9")
	require.NoError(t, err)
	require.Equal(t, "a9", got.ID)
	require.Equal(t, 1, fetcher.calls)

	// Second resolution is served from cache.
	got, err = svc.ResolveActor(context.Background(), "https://beta.example/users/9")
	require.NoError(t, err)
	require.Equal(t, "a9", got.ID)
	require.Equal(t, 1, fetcher.calls)
}

func TestResolveActorLocal(t *testing.T) {
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "local1", URI: "https://local.example/actors/local1", Username: "bob"})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}
	svc := newTestService(t, st, fetcher)

	got, err := svc.ResolveActor(context.Background(), "https://local.example/actors/local1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "bob", got.Username)
	require.Zero(t, fetcher.calls)

	// Local references to non-actor resources resolve to nothing.
	got, err = svc.ResolveActor(context.Background(), "https://local.example/posts/xyz")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBusInvalidationEvictsKeys(t *testing.T) {
	now := time.Now()
	st := storetest.New()
	st.AddActor(&store.Actor{ID: "a1", URI: "https://alpha.example/users/1", Host: "alpha.example", LastFetchedAt: &now})
	st.AddKeys("a1", store.PublicKey{KeyID: "https://alpha.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem-v1"})
	fetcher := &fakeFetcher{fetchActor: fetchFromStore(st)}

	b := bus.NewMemory()
	defer b.Close()

	svc := newTestService(t, st, fetcher, WithBus(b))
	defer svc.Close()

	got, err := svc.ResolveSigningActor(context.Background(),
		"https://alpha.example/users/1", "https://alpha.example/users/1#main-key")
	require.NoError(t, err)
	require.Equal(t, "pem-v1", got.Key.PublicKeyPEM)

	require.NoError(t, st.ReplacePublicKeys(context.Background(), "a1",
		[]store.PublicKey{{KeyID: "https://alpha.example/users/1#main-key", ActorID: "a1", PublicKeyPEM: "pem-v2"}}))
	require.NoError(t, b.Publish(context.Background(), bus.Event{Kind: bus.KindActorUpdated, ActorID: "a1"}))

	require.Eventually(t, func() bool {
		got, err := svc.ResolveSigningActor(context.Background(),
			"https://alpha.example/users/1", "https://alpha.example/users/1#main-key")
		return err == nil && got.Key != nil && got.Key.PublicKeyPEM == "pem-v2"
	}, time.Second, 10*time.Millisecond)
}

func TestMainKeySelection(t *testing.T) {
	mk := func(ids ...string) []store.PublicKey {
		keys := make([]store.PublicKey, len(ids))
		for i, id := range ids {
			keys[i] = store.PublicKey{KeyID: id}
		}
		return keys
	}

	tests := []struct {
		name string
		keys []store.PublicKey
		want string
	}{
		{
			name: "fragment containing main wins",
			keys: mk("https://x.example/u/1#sub", "https://x.example/u/1#Main-Key"),
			want: "https://x.example/u/1#Main-Key",
		},
		{
			name: "path segment containing main",
			keys: mk("https://x.example/u/1/keys/extra", "https://x.example/u/1/keys/main"),
			want: "https://x.example/u/1/keys/main",
		},
		{
			name: "path segment exactly publickey",
			keys: mk("https://x.example/u/1/keys/extra", "https://x.example/u/1/PublicKey"),
			want: "https://x.example/u/1/PublicKey",
		},
		{
			name: "first match in set order wins",
			keys: mk("https://x.example/u/1/publickey", "https://x.example/u/1#main-key"),
			want: "https://x.example/u/1/publickey",
		},
		{
			name: "fragment without main never falls through to path",
			keys: mk("https://x.example/u/1/publickey#sub", "https://x.example/u/1#main-key"),
			want: "https://x.example/u/1#main-key",
		},
		{
			name: "fallback to first",
			keys: mk("https://x.example/u/1/keys/a", "https://x.example/u/1/keys/b"),
			want: "https://x.example/u/1/keys/a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mainKey(tt.keys)
			require.NotNil(t, got)
			require.Equal(t, tt.want, got.KeyID)
		})
	}

	require.Nil(t, mainKey(nil))
}

func TestPunyHost(t *testing.T) {
	require.Equal(t, "alpha.example", punyHost("https://alpha.example/users/1"))
	require.Equal(t, "alpha.example:8443", punyHost("https://alpha.example:8443/users/1"))
	require.Equal(t, "xn--bcher-kva.example", punyHost("https://Bücher.example/users/1"))
	require.Equal(t, "", punyHost("not a uri"))
}
