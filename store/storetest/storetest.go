// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"sync"

	"github.com/umipu/fedingest/store"
)

// Store is an in-memory store.Store. Individual operations can be overridden
// through the Fn fields to inject failures or observe calls.
type Store struct {
	mu       sync.Mutex
	actors   map[string]*store.Actor // by id
	keys     map[string][]store.PublicKey
	posts    map[string]*store.Post // by id
	polls    map[string]*store.Poll
	emojis   map[string]*store.Emoji // by host+"\x00"+name
	messages map[string]*store.DirectMessage
	archived map[string][]byte

	Votes []Vote

	GetPostByURIFn         func(ctx context.Context, uri string) (*store.Post, error)
	CreatePostFn           func(ctx context.Context, post *store.Post) error
	GetActorByURIFn        func(ctx context.Context, uri string) (*store.Actor, error)
	GetPublicKeysByActorFn func(ctx context.Context, actorID string) ([]store.PublicKey, error)
}

// Vote records a CastVote call.
type Vote struct {
	PostID  string
	ActorID string
	Choice  int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		actors:   make(map[string]*store.Actor),
		keys:     make(map[string][]store.PublicKey),
		posts:    make(map[string]*store.Post),
		polls:    make(map[string]*store.Poll),
		emojis:   make(map[string]*store.Emoji),
		messages: make(map[string]*store.DirectMessage),
		archived: make(map[string][]byte),
	}
}

func (s *Store) GetActorByID(_ context.Context, id string) (*store.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetActorByURI(ctx context.Context, uri string) (*store.Actor, error) {
	if s.GetActorByURIFn != nil {
		return s.GetActorByURIFn(ctx, uri)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if a.URI == uri {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertActor(_ context.Context, actor *store.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *actor
	s.actors[actor.ID] = &cp
	return nil
}

func (s *Store) GetPublicKeysByActor(ctx context.Context, actorID string) ([]store.PublicKey, error) {
	if s.GetPublicKeysByActorFn != nil {
		return s.GetPublicKeysByActorFn(ctx, actorID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.PublicKey(nil), s.keys[actorID]...), nil
}

func (s *Store) ReplacePublicKeys(_ context.Context, actorID string, keys []store.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[actorID] = append([]store.PublicKey(nil), keys...)
	return nil
}

func (s *Store) GetPublicKey(_ context.Context, keyID string) (*store.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, keys := range s.keys {
		for _, k := range keys {
			if k.KeyID == keyID {
				cp := k
				return &cp, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetPostByID(_ context.Context, id string) (*store.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetPostByURI(ctx context.Context, uri string) (*store.Post, error) {
	if s.GetPostByURIFn != nil {
		return s.GetPostByURIFn(ctx, uri)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.posts {
		if p.URI == uri {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreatePost(ctx context.Context, post *store.Post) error {
	if s.CreatePostFn != nil {
		return s.CreatePostFn(ctx, post)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *post
	s.posts[post.ID] = &cp
	return nil
}

// PostCount returns the number of stored posts.
func (s *Store) PostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

func (s *Store) GetPoll(_ context.Context, postID string) (*store.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[postID]; ok {
		cp := *p
		cp.Votes = append([]int(nil), p.Votes...)
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreatePoll(_ context.Context, poll *store.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *poll
	cp.Votes = make([]int, len(poll.Choices))
	copy(cp.Votes, poll.Votes)
	s.polls[poll.PostID] = &cp
	return nil
}

func (s *Store) CastVote(_ context.Context, postID, actorID string, choice int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[postID]; ok && choice >= 0 && choice < len(p.Votes) {
		p.Votes[choice]++
	}
	s.Votes = append(s.Votes, Vote{PostID: postID, ActorID: actorID, Choice: choice})
	return nil
}

func (s *Store) UpsertEmoji(_ context.Context, emoji *store.Emoji) (*store.Emoji, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := emoji.Host + "\x00" + emoji.Name
	existing, ok := s.emojis[key]
	if !ok {
		cp := *emoji
		s.emojis[key] = &cp
		out := cp
		return &out, nil
	}
	// Newer timestamps win; a differing image URL only updates when the
	// incoming record is at least as new, so concurrent upserts converge on
	// the most recently updated row.
	if emoji.UpdatedAt.After(existing.UpdatedAt) ||
		(existing.ImageURL != emoji.ImageURL && !emoji.UpdatedAt.Before(existing.UpdatedAt)) {
		existing.URI = emoji.URI
		existing.ImageURL = emoji.ImageURL
		existing.UpdatedAt = emoji.UpdatedAt
	}
	cp := *existing
	return &cp, nil
}

// EmojiCount returns the number of stored emoji rows.
func (s *Store) EmojiCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emojis)
}

// Emoji returns the stored emoji for (host, name), or nil.
func (s *Store) Emoji(host, name string) *store.Emoji {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.emojis[host+"\x00"+name]; ok {
		cp := *e
		return &cp
	}
	return nil
}

func (s *Store) GetDirectMessage(_ context.Context, id string) (*store.DirectMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ArchiveDocument(_ context.Context, digest, _ string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived[digest] = append([]byte(nil), raw...)
	return nil
}

// Archived reports whether a document with the given digest was archived.
func (s *Store) Archived(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.archived[digest]
	return ok
}

// AddActor seeds an actor.
func (s *Store) AddActor(a *store.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actors[a.ID] = &cp
}

// AddKeys seeds an actor's key set.
func (s *Store) AddKeys(actorID string, keys ...store.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[actorID] = append([]store.PublicKey(nil), keys...)
}

// AddPost seeds a post.
func (s *Store) AddPost(p *store.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.posts[p.ID] = &cp
}

// AddPoll seeds a poll.
func (s *Store) AddPoll(p *store.Poll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Votes = make([]int, len(p.Choices))
	copy(cp.Votes, p.Votes)
	s.polls[p.PostID] = &cp
}

// AddDirectMessage seeds a direct message.
func (s *Store) AddDirectMessage(m *store.DirectMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
}

// Poll returns the stored poll for postID, or nil.
func (s *Store) Poll(postID string) *store.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[postID]; ok {
		cp := *p
		cp.Votes = append([]int(nil), p.Votes...)
		return &cp
	}
	return nil
}

var _ store.Store = (*Store)(nil)
