package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/fetch"
	"github.com/umipu/fedingest/store"
	"github.com/umipu/fedingest/store/storetest"
)

const (
	publicURI = "https://www.w3.org/ns/activitystreams#Public"
	aliceURI  = "https://remote.example/users/alice"
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]*fedingest.Document
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:  map[string]*fedingest.Document{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *fakeFetcher) FetchObject(_ context.Context, uri string) (*fedingest.Document, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	if err, ok := f.errs[uri]; ok {
		return nil, nil, err
	}
	doc, ok := f.docs[uri]
	if !ok {
		return nil, nil, &fetch.StatusError{URI: uri, StatusCode: 404}
	}
	raw, _ := json.Marshal(doc)
	return doc, raw, nil
}

func (f *fakeFetcher) fetchCount(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

// memLocker is a single-process Locker for tests.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: map[string]*sync.Mutex{}}
}

func (l *memLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = new(sync.Mutex)
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

type storeActors struct {
	st *storetest.Store
}

func (a *storeActors) ResolveActor(ctx context.Context, uri string) (*store.Actor, error) {
	actor, err := a.st.GetActorByURI(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return actor, err
}

type testEnv struct {
	st       *storetest.Store
	fetcher  *fakeFetcher
	pipeline *Pipeline
}

func newEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	classifier, err := fedingest.NewClassifier("https://local.example")
	require.NoError(t, err)

	st := storetest.New()
	st.AddActor(&store.Actor{
		ID: "alice", URI: aliceURI, Username: "alice", Host: "remote.example",
		FollowersURI: aliceURI + "/followers",
	})

	fetcher := newFakeFetcher()
	pipeline := New(st, fetcher, &storeActors{st: st}, newMemLocker(), classifier, opts...)
	return &testEnv{st: st, fetcher: fetcher, pipeline: pipeline}
}

func note(uri string) *fedingest.Document {
	return &fedingest.Document{
		ID:           uri,
		Type:         "Note",
		AttributedTo: fedingest.Refs{aliceURI},
		To:           fedingest.Refs{publicURI},
		Content:      "<p>hello</p>",
	}
}

func TestResolvePostIngestsNote(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	env.fetcher.docs[uri] = note(uri)

	post, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.NoError(t, err)
	require.NotNil(t, post)
	require.Equal(t, uri, post.URI)
	require.Equal(t, "alice", post.AuthorID)
	require.Equal(t, store.VisibilityPublic, post.Visibility)
	require.Equal(t, "<p>hello</p>", post.Text)
	require.NotEmpty(t, post.RawDigest)
	require.True(t, env.st.Archived(post.RawDigest))
}

func TestResolvePostIdempotent(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	env.fetcher.docs[uri] = note(uri)

	const callers = 8
	posts := make([]*store.Post, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post, err := env.pipeline.ResolvePost(context.Background(), uri)
			require.NoError(t, err)
			posts[i] = post
		}()
	}
	wg.Wait()

	require.Equal(t, 1, env.st.PostCount())
	require.Equal(t, 1, env.fetcher.fetchCount(uri))
	for _, post := range posts {
		require.Equal(t, posts[0].ID, post.ID)
	}
}

func TestResolvePostBlockedHost(t *testing.T) {
	env := newEnv(t, WithBlockedHosts([]string{"remote.example"}))
	uri := "https://remote.example/notes/1"
	env.fetcher.docs[uri] = note(uri)

	_, err := env.pipeline.ResolvePost(context.Background(), uri)
	var blocked *fedingest.BlockedHostError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "remote.example", blocked.Host)
	require.Zero(t, env.fetcher.fetchCount(uri), "blocked hosts must not be fetched")
}

func TestResolvePostSpoofedOrigin(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"

	doc := note(uri)
	doc.ID = "https://elsewhere.example/notes/1"
	env.fetcher.docs[uri] = doc

	_, err := env.pipeline.ResolvePost(context.Background(), uri)
	var validation *fedingest.ValidationError
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "id", validation.Field)

	doc = note(uri)
	doc.AttributedTo = fedingest.Refs{"https://elsewhere.example/users/eve"}
	env.fetcher.docs[uri] = doc

	_, err = env.pipeline.ResolvePost(context.Background(), uri)
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "attributedTo", validation.Field)
}

func TestResolvePostSuspendedAuthor(t *testing.T) {
	env := newEnv(t)
	env.st.AddActor(&store.Actor{
		ID: "mallory", URI: "https://remote.example/users/mallory",
		Username: "mallory", Host: "remote.example", Suspended: true,
	})
	uri := "https://remote.example/notes/1"
	doc := note(uri)
	doc.AttributedTo = fedingest.Refs{"https://remote.example/users/mallory"}
	env.fetcher.docs[uri] = doc

	_, err := env.pipeline.ResolvePost(context.Background(), uri)
	var suspended *fedingest.AuthorSuspendedError
	require.ErrorAs(t, err, &suspended)
	require.Zero(t, env.st.PostCount())
}

func TestResolvePostLockReleasedOnFailure(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"

	doc := note(uri)
	doc.Type = "Tombstone"
	env.fetcher.docs[uri] = doc

	_, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.Error(t, err)

	// The failed attempt must not wedge the uri.
	env.fetcher.docs[uri] = note(uri)
	done := make(chan error, 1)
	go func() {
		_, err := env.pipeline.ResolvePost(context.Background(), uri)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second ingestion deadlocked on the per-uri lock")
	}
}

func TestResolvePostLocalURI(t *testing.T) {
	env := newEnv(t)

	_, err := env.pipeline.ResolvePost(context.Background(), "https://local.example/notes/xyz")
	var local *fedingest.LocalResolutionError
	require.ErrorAs(t, err, &local)

	// Existing local posts do resolve, so reply chains into local posts work.
	env.st.AddPost(&store.Post{ID: "p1", AuthorID: "alice", Visibility: store.VisibilityPublic})
	post, err := env.pipeline.ResolvePost(context.Background(), "https://local.example/posts/p1")
	require.NoError(t, err)
	require.Equal(t, "p1", post.ID)

	// A local posts uri with no record is not externally resolvable.
	_, err = env.pipeline.ResolvePost(context.Background(), "https://local.example/posts/missing")
	require.ErrorAs(t, err, &local)
}

func TestResolvePostReplyChain(t *testing.T) {
	env := newEnv(t)
	parent := "https://remote.example/notes/parent"
	child := "https://remote.example/notes/child"
	env.fetcher.docs[parent] = note(parent)
	doc := note(child)
	doc.InReplyTo = fedingest.Refs{parent}
	env.fetcher.docs[child] = doc

	post, err := env.pipeline.ResolvePost(context.Background(), child)
	require.NoError(t, err)
	require.NotEmpty(t, post.ReplyID)

	parentPost, err := env.st.GetPostByURI(context.Background(), parent)
	require.NoError(t, err)
	require.Equal(t, parentPost.ID, post.ReplyID)
	require.Equal(t, 2, env.st.PostCount())
}

func TestResolvePostReplyFailurePropagates(t *testing.T) {
	env := newEnv(t)
	child := "https://remote.example/notes/child"
	doc := note(child)
	doc.InReplyTo = fedingest.Refs{"https://remote.example/notes/gone"}
	env.fetcher.docs[child] = doc
	env.fetcher.errs["https://remote.example/notes/gone"] = &fetch.StatusError{
		URI: "https://remote.example/notes/gone", StatusCode: 502,
	}

	_, err := env.pipeline.ResolvePost(context.Background(), child)
	require.Error(t, err)
	require.Zero(t, env.st.PostCount())
}

func TestResolvePostReplyToDirectMessage(t *testing.T) {
	env := newEnv(t)
	env.st.AddDirectMessage(&store.DirectMessage{ID: "dm1", SenderID: "alice"})

	child := "https://remote.example/notes/child"
	doc := note(child)
	doc.InReplyTo = fedingest.Refs{"https://local.example/messages/dm1"}
	env.fetcher.docs[child] = doc

	post, err := env.pipeline.ResolvePost(context.Background(), child)
	require.NoError(t, err)
	require.Empty(t, post.ReplyID, "direct-message reply targets are tolerated without a reply relation")
}

func TestResolvePostQuoteTemporaryFailure(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	doc := note(uri)
	doc.QuoteURI = "https://remote.example/notes/quoted"
	env.fetcher.docs[uri] = doc
	env.fetcher.errs["https://remote.example/notes/quoted"] = &fetch.StatusError{
		URI: "https://remote.example/notes/quoted", StatusCode: 503,
	}

	_, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.Error(t, err, "a temporary quote failure must fail the ingestion so it can be retried")
	require.Zero(t, env.st.PostCount())
}

func TestResolvePostQuotePermanentThenResolved(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	quoted := "https://remote.example/notes/quoted"

	doc := note(uri)
	doc.QuoteURI = "https://remote.example/notes/404"
	doc.QuoteURL = quoted
	env.fetcher.docs[uri] = doc
	env.fetcher.docs[quoted] = note(quoted)

	post, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.NoError(t, err)
	require.NotEmpty(t, post.QuoteID)

	quotedPost, err := env.st.GetPostByURI(context.Background(), quoted)
	require.NoError(t, err)
	require.Equal(t, quotedPost.ID, post.QuoteID)
}

func TestResolvePostQuoteAllPermanent(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	doc := note(uri)
	doc.QuoteURI = "not a valid uri"
	doc.QuoteURL = "https://remote.example/notes/404"
	env.fetcher.docs[uri] = doc

	post, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.NoError(t, err, "all-permanent quote failures proceed without a quote")
	require.Empty(t, post.QuoteID)
}

func TestResolvePostDepthBudget(t *testing.T) {
	env := newEnv(t)

	// A reply chain longer than the depth budget.
	const chain = 5
	for i := range chain {
		uri := fmt.Sprintf("https://remote.example/notes/%d", i)
		doc := note(uri)
		if i < chain-1 {
			doc.InReplyTo = fedingest.Refs{fmt.Sprintf("https://remote.example/notes/%d", i+1)}
		}
		env.fetcher.docs[uri] = doc
	}

	env.pipeline.maxDepth = 2
	_, err := env.pipeline.ResolvePost(context.Background(), "https://remote.example/notes/0")
	require.ErrorIs(t, err, ErrDepthExceeded)

	env.pipeline.maxDepth = DefaultMaxDepth
	post, err := env.pipeline.ResolvePost(context.Background(), "https://remote.example/notes/0")
	require.NoError(t, err)
	require.NotNil(t, post)
}

func TestResolvePostTagsAndAttachments(t *testing.T) {
	env := newEnv(t)
	env.st.AddActor(&store.Actor{
		ID: "bob", URI: "https://remote.example/users/bob", Username: "bob", Host: "remote.example",
	})

	uri := "https://remote.example/notes/1"
	doc := note(uri)
	doc.Tag = []fedingest.Tag{
		{Type: "Mention", Href: "https://remote.example/users/bob"},
		{Type: "Mention", Href: "https://nowhere.example/users/nobody"},
		{Type: "Hashtag", Name: "#golang"},
		{Type: "Hashtag", Name: "#golang"},
	}
	doc.Attachment = fedingest.Attachments{
		{Type: "Document", URL: "https://remote.example/media/a.png", MediaType: "image/png"},
		{Type: "Document", URL: "ftp://remote.example/media/b.png"},
		{Type: "Document", URL: "https://remote.example/media/c.png", Sensitive: true},
	}
	env.fetcher.docs[uri] = doc

	post, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, post.MentionIDs, "unresolvable mentions are dropped")
	require.Equal(t, []string{"golang"}, post.Hashtags)
	require.Len(t, post.Attachments, 2, "attachments with unusable urls are dropped")
	require.Equal(t, "https://remote.example/media/a.png", post.Attachments[0].URL)
	require.True(t, post.Attachments[1].Sensitive)
}

func TestResolvePostCreatesPoll(t *testing.T) {
	env := newEnv(t)
	uri := "https://remote.example/notes/1"
	ends := time.Now().Add(time.Hour)
	doc := note(uri)
	doc.Type = "Question"
	doc.OneOf = []fedingest.PollOption{{Name: "yes"}, {Name: "no"}}
	doc.EndTime = &ends
	env.fetcher.docs[uri] = doc

	post, err := env.pipeline.ResolvePost(context.Background(), uri)
	require.NoError(t, err)
	require.True(t, post.HasPoll)

	poll := env.st.Poll(post.ID)
	require.NotNil(t, poll)
	require.Equal(t, []string{"yes", "no"}, poll.Choices)
	require.False(t, poll.Multiple)
}

func TestResolvePostRecordsVote(t *testing.T) {
	env := newEnv(t)
	question := "https://remote.example/notes/q"
	qdoc := note(question)
	qdoc.Type = "Question"
	qdoc.OneOf = []fedingest.PollOption{{Name: "yes"}, {Name: "no"}}
	env.fetcher.docs[question] = qdoc

	vote := "https://remote.example/notes/v"
	vdoc := note(vote)
	vdoc.InReplyTo = fedingest.Refs{question}
	vdoc.Name = "no"
	vdoc.Content = ""
	env.fetcher.docs[vote] = vdoc

	post, err := env.pipeline.ResolvePost(context.Background(), vote)
	require.NoError(t, err)
	require.Nil(t, post, "a vote records against the poll instead of creating a post")

	qpost, err := env.st.GetPostByURI(context.Background(), question)
	require.NoError(t, err)
	require.Equal(t, 1, env.st.Poll(qpost.ID).Votes[1])
	require.Equal(t, 1, env.st.PostCount(), "only the question itself was persisted")
}

func TestResolvePostDropsExpiredVote(t *testing.T) {
	env := newEnv(t)
	question := "https://remote.example/notes/q"
	ended := time.Now().Add(-time.Hour)
	qdoc := note(question)
	qdoc.Type = "Question"
	qdoc.OneOf = []fedingest.PollOption{{Name: "yes"}, {Name: "no"}}
	qdoc.EndTime = &ended
	env.fetcher.docs[question] = qdoc

	vote := "https://remote.example/notes/v"
	vdoc := note(vote)
	vdoc.InReplyTo = fedingest.Refs{question}
	vdoc.Name = "yes"
	env.fetcher.docs[vote] = vdoc

	post, err := env.pipeline.ResolvePost(context.Background(), vote)
	require.NoError(t, err, "expired-poll votes are dropped, not errored")
	require.Nil(t, post)

	qpost, err := env.st.GetPostByURI(context.Background(), question)
	require.NoError(t, err)
	require.Zero(t, env.st.Poll(qpost.ID).Votes[0])
}

func TestResolvePostConsumesVoteForUnknownChoice(t *testing.T) {
	env := newEnv(t)
	question := "https://remote.example/notes/q"
	qdoc := note(question)
	qdoc.Type = "Question"
	qdoc.OneOf = []fedingest.PollOption{{Name: "yes"}, {Name: "no"}}
	env.fetcher.docs[question] = qdoc

	vote := "https://remote.example/notes/v"
	vdoc := note(vote)
	vdoc.InReplyTo = fedingest.Refs{question}
	vdoc.Name = "maybe"
	env.fetcher.docs[vote] = vdoc

	post, err := env.pipeline.ResolvePost(context.Background(), vote)
	require.NoError(t, err)
	require.Nil(t, post, "a vote for a nonexistent choice is consumed, not persisted as a post")

	qpost, err := env.st.GetPostByURI(context.Background(), question)
	require.NoError(t, err)
	require.Equal(t, []int{0, 0}, env.st.Poll(qpost.ID).Votes)
	require.Equal(t, 1, env.st.PostCount(), "only the question itself was persisted")
}

func TestResolvePostEmojiUpsert(t *testing.T) {
	env := newEnv(t)

	mkdoc := func(uri, imageURL string, updated time.Time) *fedingest.Document {
		doc := note(uri)
		doc.Tag = []fedingest.Tag{{
			Type: "Emoji", Name: ":blob:", ID: "https://remote.example/emoji/blob",
			Updated: &updated, Icon: &fedingest.Icon{URL: imageURL},
		}}
		return doc
	}

	base := time.Now()
	first := "https://remote.example/notes/1"
	second := "https://remote.example/notes/2"
	env.fetcher.docs[first] = mkdoc(first, "https://remote.example/emoji/blob-old.png", base)
	env.fetcher.docs[second] = mkdoc(second, "https://remote.example/emoji/blob-new.png", base.Add(time.Minute))

	var wg sync.WaitGroup
	for _, uri := range []string{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post, err := env.pipeline.ResolvePost(context.Background(), uri)
			require.NoError(t, err)
			require.Equal(t, []string{"blob"}, post.EmojiNames)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, env.st.EmojiCount())
	emoji := env.st.Emoji("remote.example", "blob")
	require.NotNil(t, emoji)
	require.Equal(t, "https://remote.example/emoji/blob-new.png", emoji.ImageURL)
}

func TestResolvePostSourceContentGatedOnMediaType(t *testing.T) {
	tests := []struct {
		name   string
		source *fedingest.Source
		want   string
	}{
		{
			name:   "native markup replaces rendered content",
			source: &fedingest.Source{Content: "hello **there**", MediaType: fedingest.NativeMarkupType},
			want:   "hello **there**",
		},
		{
			name:   "foreign markup keeps rendered content",
			source: &fedingest.Source{Content: "raw *markdown*", MediaType: "text/markdown"},
			want:   "<p>hello</p>",
		},
		{
			name:   "missing media type keeps rendered content",
			source: &fedingest.Source{Content: "raw"},
			want:   "<p>hello</p>",
		},
		{
			name:   "empty native source keeps rendered content",
			source: &fedingest.Source{MediaType: fedingest.NativeMarkupType},
			want:   "<p>hello</p>",
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			uri := fmt.Sprintf("https://remote.example/notes/source-%d", i)
			doc := note(uri)
			doc.Source = tt.source
			env.fetcher.docs[uri] = doc

			post, err := env.pipeline.ResolvePost(context.Background(), uri)
			require.NoError(t, err)
			require.Equal(t, tt.want, post.Text)
		})
	}
}
