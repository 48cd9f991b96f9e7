// Package sqlite is the SQLite implementation of the storage collaborator.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/umipu/fedingest/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS actors (
	id              TEXT PRIMARY KEY,
	uri             TEXT NOT NULL DEFAULT '',
	username        TEXT NOT NULL DEFAULT '',
	host            TEXT NOT NULL DEFAULT '',
	followers_uri   TEXT NOT NULL DEFAULT '',
	suspended       INTEGER NOT NULL DEFAULT 0,
	deleted         INTEGER NOT NULL DEFAULT 0,
	last_fetched_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_uri ON actors (uri) WHERE uri != '';

CREATE TABLE IF NOT EXISTS public_keys (
	key_id         TEXT PRIMARY KEY,
	actor_id       TEXT NOT NULL,
	public_key_pem TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_public_keys_actor ON public_keys (actor_id);

CREATE TABLE IF NOT EXISTS posts (
	id                TEXT PRIMARY KEY,
	uri               TEXT NOT NULL DEFAULT '',
	author_id         TEXT NOT NULL,
	visibility        TEXT NOT NULL,
	visible_actor_ids TEXT NOT NULL DEFAULT '[]',
	text              TEXT NOT NULL DEFAULT '',
	content_warning   TEXT NOT NULL DEFAULT '',
	reply_id          TEXT NOT NULL DEFAULT '',
	quote_id          TEXT NOT NULL DEFAULT '',
	hashtags          TEXT NOT NULL DEFAULT '[]',
	mention_ids       TEXT NOT NULL DEFAULT '[]',
	emoji_names       TEXT NOT NULL DEFAULT '[]',
	attachments       TEXT NOT NULL DEFAULT '[]',
	has_poll          INTEGER NOT NULL DEFAULT 0,
	raw_digest        TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_uri ON posts (uri) WHERE uri != '';

CREATE TABLE IF NOT EXISTS polls (
	post_id    TEXT PRIMARY KEY,
	choices    TEXT NOT NULL,
	votes      TEXT NOT NULL,
	multiple   INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS poll_votes (
	post_id  TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	choice   INTEGER NOT NULL,
	PRIMARY KEY (post_id, actor_id, choice)
);

CREATE TABLE IF NOT EXISTS emojis (
	id         TEXT NOT NULL,
	host       TEXT NOT NULL,
	name       TEXT NOT NULL,
	uri        TEXT NOT NULL DEFAULT '',
	image_url  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (host, name)
);

CREATE TABLE IF NOT EXISTS direct_messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	digest      TEXT PRIMARY KEY,
	uri         TEXT NOT NULL,
	raw         BLOB NOT NULL,
	archived_at INTEGER NOT NULL
);
`

// Store is a SQLite-backed store.Store. Raw documents are archived
// zstd-compressed.
type Store struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) a SQLite store at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Store{db: db, encoder: encoder, decoder: decoder, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.db.Close()
}

func (s *Store) GetActorByID(ctx context.Context, id string) (*store.Actor, error) {
	return s.getActor(ctx, "id", id)
}

func (s *Store) GetActorByURI(ctx context.Context, uri string) (*store.Actor, error) {
	if uri == "" {
		return nil, store.ErrNotFound
	}
	return s.getActor(ctx, "uri", uri)
}

func (s *Store) getActor(ctx context.Context, column, value string) (*store.Actor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, uri, username, host, followers_uri, suspended, deleted, last_fetched_at
		 FROM actors WHERE `+column+` = ?`, value)

	var a store.Actor
	var lastFetched sql.NullInt64
	err := row.Scan(&a.ID, &a.URI, &a.Username, &a.Host, &a.FollowersURI,
		&a.Suspended, &a.Deleted, &lastFetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.LastFetchedAt = fromUnixMilli(lastFetched)
	return &a, nil
}

func (s *Store) UpsertActor(ctx context.Context, actor *store.Actor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actors (id, uri, username, host, followers_uri, suspended, deleted, last_fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			uri = excluded.uri, username = excluded.username, host = excluded.host,
			followers_uri = excluded.followers_uri, suspended = excluded.suspended,
			deleted = excluded.deleted, last_fetched_at = excluded.last_fetched_at`,
		actor.ID, actor.URI, actor.Username, actor.Host, actor.FollowersURI,
		actor.Suspended, actor.Deleted, toUnixMilli(actor.LastFetchedAt))
	return err
}

func (s *Store) GetPublicKeysByActor(ctx context.Context, actorID string) ([]store.PublicKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, actor_id, public_key_pem FROM public_keys WHERE actor_id = ? ORDER BY key_id`,
		actorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []store.PublicKey
	for rows.Next() {
		var k store.PublicKey
		if err := rows.Scan(&k.KeyID, &k.ActorID, &k.PublicKeyPEM); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetPublicKey(ctx context.Context, keyID string) (*store.PublicKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, actor_id, public_key_pem FROM public_keys WHERE key_id = ?`, keyID)

	var k store.PublicKey
	err := row.Scan(&k.KeyID, &k.ActorID, &k.PublicKeyPEM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Store) ReplacePublicKeys(ctx context.Context, actorID string, keys []store.PublicKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM public_keys WHERE actor_id = ?`, actorID); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO public_keys (key_id, actor_id, public_key_pem) VALUES (?, ?, ?)`,
				k.KeyID, actorID, k.PublicKeyPEM); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetPostByID(ctx context.Context, id string) (*store.Post, error) {
	return s.getPost(ctx, "id", id)
}

func (s *Store) GetPostByURI(ctx context.Context, uri string) (*store.Post, error) {
	if uri == "" {
		return nil, store.ErrNotFound
	}
	return s.getPost(ctx, "uri", uri)
}

func (s *Store) getPost(ctx context.Context, column, value string) (*store.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, uri, author_id, visibility, visible_actor_ids, text, content_warning,
			reply_id, quote_id, hashtags, mention_ids, emoji_names, attachments,
			has_poll, raw_digest, created_at, updated_at
		 FROM posts WHERE `+column+` = ?`, value)

	var p store.Post
	var visible, hashtags, mentions, emoji, attachments string
	var createdAt int64
	var updatedAt sql.NullInt64
	err := row.Scan(&p.ID, &p.URI, &p.AuthorID, &p.Visibility, &visible, &p.Text,
		&p.ContentWarning, &p.ReplyID, &p.QuoteID, &hashtags, &mentions, &emoji,
		&attachments, &p.HasPoll, &p.RawDigest, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, pair := range []struct {
		raw  string
		into any
	}{
		{visible, &p.VisibleActorIDs},
		{hashtags, &p.Hashtags},
		{mentions, &p.MentionIDs},
		{emoji, &p.EmojiNames},
		{attachments, &p.Attachments},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.into); err != nil {
			return nil, fmt.Errorf("decoding post %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = fromUnixMilli(updatedAt)
	return &p, nil
}

func (s *Store) CreatePost(ctx context.Context, post *store.Post) error {
	visible, err := jsonList(post.VisibleActorIDs)
	if err != nil {
		return err
	}
	hashtags, err := jsonList(post.Hashtags)
	if err != nil {
		return err
	}
	mentions, err := jsonList(post.MentionIDs)
	if err != nil {
		return err
	}
	emoji, err := jsonList(post.EmojiNames)
	if err != nil {
		return err
	}
	attachments, err := jsonList(post.Attachments)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts (id, uri, author_id, visibility, visible_actor_ids, text,
			content_warning, reply_id, quote_id, hashtags, mention_ids, emoji_names,
			attachments, has_poll, raw_digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		post.ID, post.URI, post.AuthorID, post.Visibility, visible, post.Text,
		post.ContentWarning, post.ReplyID, post.QuoteID, hashtags, mentions, emoji,
		attachments, post.HasPoll, post.RawDigest,
		post.CreatedAt.UnixMilli(), toUnixMilli(post.UpdatedAt))
	return err
}

func (s *Store) GetPoll(ctx context.Context, postID string) (*store.Poll, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT post_id, choices, votes, multiple, expires_at FROM polls WHERE post_id = ?`, postID)

	var p store.Poll
	var choices, votes string
	var expiresAt sql.NullInt64
	err := row.Scan(&p.PostID, &choices, &votes, &p.Multiple, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(choices), &p.Choices); err != nil {
		return nil, fmt.Errorf("decoding poll %s: %w", postID, err)
	}
	if err := json.Unmarshal([]byte(votes), &p.Votes); err != nil {
		return nil, fmt.Errorf("decoding poll %s: %w", postID, err)
	}
	p.ExpiresAt = fromUnixMilli(expiresAt)
	return &p, nil
}

func (s *Store) CreatePoll(ctx context.Context, poll *store.Poll) error {
	choices, err := jsonList(poll.Choices)
	if err != nil {
		return err
	}
	votes := poll.Votes
	if len(votes) != len(poll.Choices) {
		votes = make([]int, len(poll.Choices))
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO polls (post_id, choices, votes, multiple, expires_at) VALUES (?, ?, ?, ?, ?)`,
		poll.PostID, choices, string(votesJSON), poll.Multiple, toUnixMilli(poll.ExpiresAt))
	return err
}

// CastVote records the vote and increments the counter in one transaction.
// A repeat vote by the same actor on the same choice is a no-op.
func (s *Store) CastVote(ctx context.Context, postID, actorID string, choice int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO poll_votes (post_id, actor_id, choice) VALUES (?, ?, ?)`,
			postID, actorID, choice)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}

		var votesJSON string
		err = tx.QueryRowContext(ctx, `SELECT votes FROM polls WHERE post_id = ?`, postID).Scan(&votesJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		var votes []int
		if err := json.Unmarshal([]byte(votesJSON), &votes); err != nil {
			return fmt.Errorf("decoding poll %s: %w", postID, err)
		}
		if choice < 0 || choice >= len(votes) {
			return fmt.Errorf("poll %s has no choice %d", postID, choice)
		}
		votes[choice]++

		updated, err := json.Marshal(votes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE polls SET votes = ? WHERE post_id = ?`, string(updated), postID)
		return err
	})
}

func (s *Store) UpsertEmoji(ctx context.Context, emoji *store.Emoji) (*store.Emoji, error) {
	// Newer timestamps win; a differing image URL only updates when the
	// incoming record is at least as new, so concurrent upserts converge on
	// the most recently updated row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emojis (id, host, name, uri, image_url, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (host, name) DO UPDATE SET
			uri = excluded.uri, image_url = excluded.image_url, updated_at = excluded.updated_at
		 WHERE excluded.updated_at > emojis.updated_at
			OR (emojis.image_url != excluded.image_url AND excluded.updated_at >= emojis.updated_at)`,
		emoji.ID, emoji.Host, emoji.Name, emoji.URI, emoji.ImageURL, emoji.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, host, name, uri, image_url, updated_at FROM emojis WHERE host = ? AND name = ?`,
		emoji.Host, emoji.Name)
	var out store.Emoji
	var updatedAt int64
	if err := row.Scan(&out.ID, &out.Host, &out.Name, &out.URI, &out.ImageURL, &updatedAt); err != nil {
		return nil, err
	}
	out.UpdatedAt = time.UnixMilli(updatedAt)
	return &out, nil
}

func (s *Store) GetDirectMessage(ctx context.Context, id string) (*store.DirectMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, text, created_at FROM direct_messages WHERE id = ?`, id)

	var m store.DirectMessage
	var createdAt int64
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return &m, nil
}

// AddDirectMessage inserts a direct message. The ingestion engine only
// reads these; this exists for the owning feature and tests.
func (s *Store) AddDirectMessage(ctx context.Context, m *store.DirectMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO direct_messages (id, sender_id, recipient_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.Text, m.CreatedAt.UnixMilli())
	return err
}

func (s *Store) ArchiveDocument(ctx context.Context, digest, uri string, raw []byte) error {
	compressed := s.encoder.EncodeAll(raw, nil)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents (digest, uri, raw, archived_at) VALUES (?, ?, ?, ?)`,
		digest, uri, compressed, s.now().UnixMilli())
	return err
}

// GetArchivedDocument returns the raw bytes archived under digest.
func (s *Store) GetArchivedDocument(ctx context.Context, digest string) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT raw FROM documents WHERE digest = ?`, digest).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.decoder.DecodeAll(compressed, nil)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonList marshals a slice, mapping nil to the empty JSON array so decoded
// records round-trip as empty rather than null.
func jsonList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func toUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

var _ store.Store = (*Store)(nil)
