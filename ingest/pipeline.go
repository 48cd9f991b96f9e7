// Package ingest turns untrusted remote protocol documents into locally
// persisted post records. The pipeline serializes concurrent ingestion of
// the same canonical URI through a distributed lock, validates document
// origins, resolves authors and referenced objects, and classifies fetch
// failures so callers can retry only what is retryable.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/fetch"
	"github.com/umipu/fedingest/store"
	"github.com/umipu/fedingest/telemetry"
)

const (
	// DefaultMaxDepth bounds recursive reply/quote resolution so an
	// adversarial reply chain cannot grow the stack without limit.
	DefaultMaxDepth = 16

	// DefaultAttachmentConcurrency bounds the attachment resolution fan-out
	// per document.
	DefaultAttachmentConcurrency = 2
)

// ErrDepthExceeded is returned when recursive reply/quote resolution runs
// past the configured depth budget. It is a permanent failure: retrying the
// same chain later would hit the same limit.
var ErrDepthExceeded = errors.New("ingest: resolution depth exceeded")

// ActorResolver is the "get or fetch actor" capability the pipeline uses
// for authors, mentions, and addressed recipients.
type ActorResolver interface {
	ResolveActor(ctx context.Context, uri string) (*store.Actor, error)
}

// Locker serializes ingestion per canonical URI across the deployment.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Pipeline ingests remote post documents.
type Pipeline struct {
	store      store.Store
	fetcher    fetch.Client
	actors     ActorResolver
	locker     Locker
	classifier *fedingest.Classifier

	blocked   map[string]struct{}
	maxDepth  int
	fanout    int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithBlockedHosts sets the instance's blocked-host list. Hosts are
// normalized to punycode for comparison.
func WithBlockedHosts(hosts []string) Option {
	return func(p *Pipeline) {
		p.blocked = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			if n := fedingest.PunyHost("https://" + h); n != "" {
				p.blocked[n] = struct{}{}
			}
		}
	}
}

// WithMaxDepth sets the recursive resolution depth budget.
func WithMaxDepth(n int) Option {
	return func(p *Pipeline) {
		p.maxDepth = n
	}
}

// WithAttachmentConcurrency sets the attachment resolution fan-out.
func WithAttachmentConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.fanout = n
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(st store.Store, fetcher fetch.Client, actors ActorResolver, locker Locker, classifier *fedingest.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		fetcher:    fetcher,
		actors:     actors,
		locker:     locker,
		classifier: classifier,
		blocked:    map[string]struct{}{},
		maxDepth:   DefaultMaxDepth,
		fanout:     DefaultAttachmentConcurrency,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResolvePost resolves a post reference, ingesting it if this instance has
// not seen it before. value is either a raw URI string or an embedded
// *fedingest.Document; a raw URI means this instance performs an anonymous
// fetch, which affects visibility computation for unaddressed documents.
//
// A nil post with nil error means the document was a poll vote and was
// recorded against the poll instead of creating a post.
//
// Idempotent per canonical URI: concurrent or duplicate calls yield exactly
// one persisted record.
func (p *Pipeline) ResolvePost(ctx context.Context, value any) (*store.Post, error) {
	start := time.Now()
	post, err := p.resolve(ctx, value, 0)

	outcome := "persisted"
	switch {
	case err != nil && fetch.Temporary(err):
		outcome = "error"
	case err != nil:
		outcome = "rejected"
	case post == nil:
		outcome = "vote"
	}
	telemetry.RecordIngest(ctx, outcome, time.Since(start))

	return post, err
}

func (p *Pipeline) resolve(ctx context.Context, value any, depth int) (*store.Post, error) {
	if depth > p.maxDepth {
		return nil, ErrDepthExceeded
	}

	ref, err := p.classifier.Classify(value)
	if err != nil {
		return nil, err
	}
	if ref.Local {
		return p.resolveLocal(ctx, ref)
	}

	lockStart := time.Now()
	release, err := p.locker.Acquire(ctx, ref.URI)
	if err != nil {
		return nil, fmt.Errorf("acquiring ingestion lock for %s: %w", ref.URI, err)
	}
	defer release()
	telemetry.RecordLockWait(ctx, time.Since(lockStart))

	if existing, err := p.store.GetPostByURI(ctx, ref.URI); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	host := fedingest.PunyHost(ref.URI)
	if _, ok := p.blocked[host]; ok {
		return nil, &fedingest.BlockedHostError{Host: host}
	}

	// Whether the caller handed us a bare URI. A push delivery carries the
	// document; a bare URI means we fetch anonymously.
	_, anonymous := value.(string)

	// Always fetch by URI rather than trusting a pushed document body: the
	// origin server is the authority on the object's content.
	doc, raw, err := p.fetcher.FetchObject(ctx, ref.URI)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref.URI, err)
	}

	if err := validateDocument(ref.URI, host, doc); err != nil {
		return nil, err
	}

	uri := ref.URI
	if doc.ID != "" && doc.ID != ref.URI {
		uri = doc.ID
		// The canonical id may differ from the requested URI (e.g. the
		// request followed an alias); dedup on the canonical id too.
		if existing, err := p.store.GetPostByURI(ctx, uri); err == nil {
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	authorURI := doc.AttributedTo.First()
	author, err := p.actors.ResolveActor(ctx, authorURI)
	if err != nil {
		return nil, fmt.Errorf("resolving author %s: %w", authorURI, err)
	}
	if author == nil {
		return nil, &fedingest.ValidationError{URI: uri, Field: "attributedTo", Detail: "author not resolvable"}
	}
	if author.Suspended {
		return nil, &fedingest.AuthorSuspendedError{ActorURI: authorURI}
	}

	aud, err := p.computeAudience(ctx, doc, author, anonymous)
	if err != nil {
		return nil, err
	}

	mentionIDs := p.resolveMentions(ctx, doc.Tag)
	hashtags := extractHashtags(doc.Tag)
	attachments := p.resolveAttachments(ctx, doc.Attachment)

	reply, err := p.resolveReply(ctx, doc, depth)
	if err != nil {
		return nil, err
	}

	quoteID, err := p.resolveQuote(ctx, doc, depth)
	if err != nil {
		return nil, err
	}

	// A document carrying a name against a polled reply target is a vote,
	// not a post. The document is consumed even when the named choice does
	// not exist or the poll has expired; nothing is recorded in those cases.
	if reply != nil && reply.HasPoll && doc.Name != "" {
		consumed, err := p.castVote(ctx, reply, author, doc.Name)
		if err != nil {
			return nil, err
		}
		if consumed {
			return nil, nil
		}
	}

	emojiNames, err := p.resolveEmoji(ctx, doc, author.Host)
	if err != nil {
		return nil, err
	}

	digest := fedingest.DigestBytes(raw)
	if err := p.store.ArchiveDocument(ctx, digest.String(), uri, raw); err != nil {
		return nil, fmt.Errorf("archiving document %s: %w", uri, err)
	}

	createdAt := p.now()
	if doc.Published != nil {
		createdAt = *doc.Published
	}

	// Only a source in the native markup replaces the rendered content;
	// foreign markup dialects would persist as raw markup.
	text := doc.Content
	if doc.Source != nil && doc.Source.MediaType == fedingest.NativeMarkupType && doc.Source.Content != "" {
		text = doc.Source.Content
	}

	post := &store.Post{
		ID:              uuid.NewString(),
		URI:             uri,
		AuthorID:        author.ID,
		Visibility:      aud.visibility,
		VisibleActorIDs: aud.visibleActorIDs,
		Text:            text,
		ContentWarning:  doc.Summary,
		Hashtags:        hashtags,
		MentionIDs:      mentionIDs,
		EmojiNames:      emojiNames,
		Attachments:     attachments,
		RawDigest:       digest.String(),
		CreatedAt:       createdAt,
		UpdatedAt:       doc.Updated,
	}
	if reply != nil {
		post.ReplyID = reply.ID
	}
	post.QuoteID = quoteID

	options, multiple := doc.PollOptions()
	post.HasPoll = len(options) > 0

	if err := p.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("persisting post %s: %w", uri, err)
	}

	if post.HasPoll {
		poll := &store.Poll{
			PostID:    post.ID,
			Choices:   make([]string, len(options)),
			Votes:     make([]int, len(options)),
			Multiple:  multiple,
			ExpiresAt: doc.EndTime,
		}
		for i, opt := range options {
			poll.Choices[i] = opt.Name
			poll.Votes[i] = opt.Replies.TotalItems
		}
		if err := p.store.CreatePoll(ctx, poll); err != nil {
			return nil, fmt.Errorf("persisting poll for %s: %w", uri, err)
		}
	}

	p.logger.Info("ingested post",
		"uri", uri, "author", author.Acct(), "visibility", post.Visibility)
	return post, nil
}

// resolveLocal serves references under this instance's own origin. Local
// posts resolve to their stored records so reply chains into local posts
// work; everything else under the local origin is not externally resolvable.
func (p *Pipeline) resolveLocal(ctx context.Context, ref fedingest.ResourceRef) (*store.Post, error) {
	if ref.ResourceType == "posts" && ref.ID != "" {
		post, err := p.store.GetPostByID(ctx, ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &fedingest.LocalResolutionError{URI: localURI(ref)}
		}
		if err != nil {
			return nil, err
		}
		return post, nil
	}
	return nil, &fedingest.LocalResolutionError{URI: localURI(ref)}
}

func localURI(ref fedingest.ResourceRef) string {
	return "/" + ref.ResourceType + "/" + ref.ID
}

// validateDocument rejects spoofed documents: the id and attributedTo must
// live on the origin the document was requested from.
func validateDocument(requested, host string, doc *fedingest.Document) error {
	if doc == nil {
		return &fedingest.ValidationError{URI: requested, Field: "document", Detail: "empty document"}
	}
	if !doc.IsPost() {
		return &fedingest.ValidationError{URI: requested, Field: "type", Detail: fmt.Sprintf("not an ingestable type: %q", doc.Type)}
	}
	if doc.ID != "" && fedingest.PunyHost(doc.ID) != host {
		return &fedingest.ValidationError{URI: requested, Field: "id", Detail: "id origin differs from requested origin"}
	}
	attributedTo := doc.AttributedTo.First()
	if attributedTo == "" {
		return &fedingest.ValidationError{URI: requested, Field: "attributedTo", Detail: "missing author"}
	}
	if fedingest.PunyHost(attributedTo) != host {
		return &fedingest.ValidationError{URI: requested, Field: "attributedTo", Detail: "author origin differs from document origin"}
	}
	return nil
}

// resolveReply resolves the document's reply target. A failure is fatal
// unless the target turns out to be a local direct message, which posts may
// legitimately reference without this engine owning the record.
func (p *Pipeline) resolveReply(ctx context.Context, doc *fedingest.Document, depth int) (*store.Post, error) {
	uri := doc.InReplyTo.First()
	if uri == "" {
		return nil, nil
	}

	reply, err := p.resolve(ctx, uri, depth+1)
	if err != nil {
		if p.isLocalDirectMessage(ctx, uri) {
			p.logger.Debug("reply target is a local direct message, ingesting without reply", "uri", uri)
			return nil, nil
		}
		return nil, fmt.Errorf("resolving reply %s: %w", uri, err)
	}
	return reply, nil
}

func (p *Pipeline) isLocalDirectMessage(ctx context.Context, uri string) bool {
	ref, err := p.classifier.Classify(uri)
	if err != nil || !ref.Local || ref.ResourceType != "messages" || ref.ID == "" {
		return false
	}
	_, err = p.store.GetDirectMessage(ctx, ref.ID)
	return err == nil
}

// resolveQuote resolves the first usable quote candidate. Permanent
// failures (bad URI, client-side fetch error, exhausted depth) skip the
// candidate; if no candidate resolved and any failure was temporary, the
// error propagates so the caller retries the whole ingestion later instead
// of permanently losing the quotation.
func (p *Pipeline) resolveQuote(ctx context.Context, doc *fedingest.Document, depth int) (string, error) {
	var lastTemporary error
	for _, uri := range doc.QuoteCandidates() {
		quote, err := p.resolve(ctx, uri, depth+1)
		if err == nil {
			if quote == nil {
				continue
			}
			return quote.ID, nil
		}
		if temporaryFailure(err) {
			p.logger.Warn("temporary failure resolving quote", "uri", uri, "error", err)
			lastTemporary = err
			continue
		}
		p.logger.Info("skipping unresolvable quote", "uri", uri, "error", err)
	}
	if lastTemporary != nil {
		return "", fmt.Errorf("resolving quote: %w", lastTemporary)
	}
	return "", nil
}

func temporaryFailure(err error) bool {
	if errors.Is(err, ErrDepthExceeded) {
		return false
	}
	return fetch.Temporary(err)
}

// castVote records a vote against the reply target's poll. Returns true if
// the document was consumed as a vote. Votes on expired polls and names
// matching no choice are consumed without recording anything.
func (p *Pipeline) castVote(ctx context.Context, reply *store.Post, voter *store.Actor, name string) (bool, error) {
	poll, err := p.store.GetPoll(ctx, reply.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	choice := poll.ChoiceIndex(name)
	if choice < 0 {
		p.logger.Info("dropping vote for unknown choice", "post", reply.ID, "voter", voter.Acct(), "choice", name)
		return true, nil
	}
	if poll.Expired(p.now()) {
		p.logger.Info("dropping vote on expired poll", "post", reply.ID, "voter", voter.Acct())
		return true, nil
	}
	if err := p.store.CastVote(ctx, reply.ID, voter.ID, choice); err != nil {
		return false, fmt.Errorf("recording vote on %s: %w", reply.ID, err)
	}
	return true, nil
}

// resolveEmoji upserts the custom emoji referenced by the document's tags.
// Emoji are keyed by (host, name); the storage upsert is atomic so
// concurrent ingestions never create duplicate pairs.
func (p *Pipeline) resolveEmoji(ctx context.Context, doc *fedingest.Document, host string) ([]string, error) {
	var names []string
	for _, tag := range doc.Tag {
		if tag.Type != "Emoji" {
			continue
		}
		name := strings.Trim(tag.Name, ":")
		if name == "" || tag.Icon == nil || tag.Icon.URL == "" {
			continue
		}

		updatedAt := p.now()
		switch {
		case tag.Updated != nil:
			updatedAt = *tag.Updated
		case doc.Updated != nil:
			updatedAt = *doc.Updated
		}

		stored, err := p.store.UpsertEmoji(ctx, &store.Emoji{
			ID:        uuid.NewString(),
			Host:      host,
			Name:      name,
			URI:       tag.ID,
			ImageURL:  tag.Icon.URL,
			UpdatedAt: updatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("upserting emoji %s@%s: %w", name, host, err)
		}
		names = append(names, stored.Name)
	}
	return names, nil
}

// resolveMentions resolves Mention tags to actor ids. Unresolvable mentions
// are dropped, not fatal.
func (p *Pipeline) resolveMentions(ctx context.Context, tags []fedingest.Tag) []string {
	var ids []string
	seen := map[string]bool{}
	for _, tag := range tags {
		if tag.Type != "Mention" || tag.Href == "" {
			continue
		}
		actor, err := p.actors.ResolveActor(ctx, tag.Href)
		if err != nil || actor == nil {
			p.logger.Debug("dropping unresolvable mention", "href", tag.Href, "error", err)
			continue
		}
		if !seen[actor.ID] {
			seen[actor.ID] = true
			ids = append(ids, actor.ID)
		}
	}
	return ids
}

func extractHashtags(tags []fedingest.Tag) []string {
	var out []string
	seen := map[string]bool{}
	for _, tag := range tags {
		if tag.Type != "Hashtag" {
			continue
		}
		name := strings.TrimPrefix(tag.Name, "#")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// resolveAttachments validates attachments with a bounded fan-out. An
// attachment that fails to resolve is dropped; declaration order is kept.
func (p *Pipeline) resolveAttachments(ctx context.Context, attachments fedingest.Attachments) []store.Attachment {
	if len(attachments) == 0 {
		return nil
	}

	resolved := make([]*store.Attachment, len(attachments))
	g := new(errgroup.Group)
	g.SetLimit(p.fanout)
	for i, att := range attachments {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			resolved[i] = p.resolveAttachment(att)
			return nil
		})
	}
	_ = g.Wait()

	var out []store.Attachment
	for _, att := range resolved {
		if att != nil {
			out = append(out, *att)
		}
	}
	return out
}

func (p *Pipeline) resolveAttachment(att fedingest.Attachment) *store.Attachment {
	u, err := url.Parse(att.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		p.logger.Debug("dropping attachment with unusable url", "url", att.URL)
		return nil
	}
	return &store.Attachment{
		URL:       u.String(),
		MediaType: att.MediaType,
		Name:      att.Name,
		Sensitive: att.Sensitive,
	}
}
