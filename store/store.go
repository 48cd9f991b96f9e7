// Package store defines the domain records produced by ingestion and the
// storage collaborator interface the engine persists through.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Visibility is the computed access scope of a post.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHome      Visibility = "home"
	VisibilityFollowers Visibility = "followers"
	VisibilitySpecified Visibility = "specified"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityHome, VisibilityFollowers, VisibilitySpecified:
		return true
	}
	return false
}

// Actor is a federated identity, local or remote.
type Actor struct {
	ID            string
	URI           string // remote canonical identifier, empty for local actors
	Username      string
	Host          string // empty for local actors
	FollowersURI  string
	Suspended     bool
	Deleted       bool
	LastFetchedAt *time.Time
}

// IsLocal reports whether the actor belongs to this instance.
func (a *Actor) IsLocal() bool {
	return a.Host == ""
}

// Acct returns the username@host form used in logs.
func (a *Actor) Acct() string {
	if a.IsLocal() {
		return a.Username
	}
	return a.Username + "@" + a.Host
}

// PublicKey is a signing key published by an actor. An actor may own zero,
// one, or many keys.
type PublicKey struct {
	KeyID        string // globally unique, URI-shaped
	ActorID      string
	PublicKeyPEM string
}

// Attachment is a resolved media attachment on a post.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Post is an ingested post. Once persisted it is immutable except for poll
// vote counters and UpdatedAt.
type Post struct {
	ID              string
	URI             string // remote canonical id, empty for local-origin posts
	AuthorID        string
	Visibility      Visibility
	VisibleActorIDs []string
	Text            string
	ContentWarning  string
	ReplyID         string
	QuoteID         string
	Hashtags        []string
	MentionIDs      []string
	EmojiNames      []string
	Attachments     []Attachment
	HasPoll         bool
	RawDigest       string // hex BLAKE3 digest of the raw remote document
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// Poll is the choice set attached to a Question-type post.
type Poll struct {
	PostID    string
	Choices   []string
	Votes     []int
	Multiple  bool
	ExpiresAt *time.Time
}

// Expired reports whether the poll is closed at the given time.
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ChoiceIndex returns the index of the named choice, or -1.
func (p *Poll) ChoiceIndex(name string) int {
	for i, c := range p.Choices {
		if c == name {
			return i
		}
	}
	return -1
}

// Emoji is a custom emoji, unique per (host, name).
type Emoji struct {
	ID        string
	Host      string
	Name      string
	URI       string
	ImageURL  string
	UpdatedAt time.Time
}

// DirectMessage is a private direct-message record local to this instance.
// The ingestion pipeline only ever looks these up by id, to tolerate reply
// references into the direct-message feature.
type DirectMessage struct {
	ID          string
	SenderID    string
	RecipientID string
	Text        string
	CreatedAt   time.Time
}

// Store is the storage collaborator. Implementations must be safe for
// concurrent use; lookups return ErrNotFound for missing records.
type Store interface {
	// Actors
	GetActorByID(ctx context.Context, id string) (*Actor, error)
	GetActorByURI(ctx context.Context, uri string) (*Actor, error)
	UpsertActor(ctx context.Context, actor *Actor) error

	// Public keys
	GetPublicKeysByActor(ctx context.Context, actorID string) ([]PublicKey, error)
	GetPublicKey(ctx context.Context, keyID string) (*PublicKey, error)
	ReplacePublicKeys(ctx context.Context, actorID string, keys []PublicKey) error

	// Posts
	GetPostByID(ctx context.Context, id string) (*Post, error)
	GetPostByURI(ctx context.Context, uri string) (*Post, error)
	CreatePost(ctx context.Context, post *Post) error

	// Polls
	GetPoll(ctx context.Context, postID string) (*Poll, error)
	CreatePoll(ctx context.Context, poll *Poll) error
	// CastVote atomically increments the vote counter for the given choice.
	CastVote(ctx context.Context, postID, actorID string, choice int) error

	// UpsertEmoji atomically finds or creates the emoji keyed by
	// (host, name). An existing row is updated in place when the incoming
	// UpdatedAt is newer, or when the image URL differs and the incoming
	// record is at least as new; concurrent upserts must never produce
	// duplicate (host, name) pairs. Returns the stored row.
	UpsertEmoji(ctx context.Context, emoji *Emoji) (*Emoji, error)

	// Direct messages (reply-resolution compatibility shim)
	GetDirectMessage(ctx context.Context, id string) (*DirectMessage, error)

	// ArchiveDocument stores the raw remote document under its digest for
	// later re-validation. Idempotent per digest.
	ArchiveDocument(ctx context.Context, digest, uri string, raw []byte) error
}
