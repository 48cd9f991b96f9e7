package ingest

import (
	"context"

	fedingest "github.com/umipu/fedingest"
	"github.com/umipu/fedingest/store"
)

// publicAddressing are the identifiers peers use to address the public
// collection. All three spellings occur in the wild.
var publicAddressing = map[string]bool{
	"https://www.w3.org/ns/activitystreams#Public": true,
	"as:Public": true,
	"Public":    true,
}

type audience struct {
	visibility      store.Visibility
	visibleActorIDs []string
}

// computeAudience derives a post's visibility from its addressing fields.
// Public in `to` is fully public; public only in `cc` is unlisted ("home");
// the author's followers collection in `to` is followers-only; anything
// else is addressed to the specific actors listed in `to`.
//
// anonymous is true when this instance fetched the document by bare URI
// rather than receiving a push. An anonymously fetchable document addressed
// to nobody is not meaningfully restricted, so it is upgraded to public; a
// pushed document with empty addressing stays private.
func (p *Pipeline) computeAudience(ctx context.Context, doc *fedingest.Document, author *store.Actor, anonymous bool) (audience, error) {
	if containsPublic(doc.To) {
		return audience{visibility: store.VisibilityPublic}, nil
	}
	if containsPublic(doc.CC) {
		return audience{visibility: store.VisibilityHome}, nil
	}
	if author.FollowersURI != "" {
		for _, uri := range doc.To {
			if uri == author.FollowersURI {
				return audience{visibility: store.VisibilityFollowers}, nil
			}
		}
	}

	aud := audience{visibility: store.VisibilitySpecified}
	seen := map[string]bool{}
	for _, uri := range doc.To {
		actor, err := p.actors.ResolveActor(ctx, uri)
		if err != nil || actor == nil {
			p.logger.Debug("dropping unresolvable recipient", "uri", uri, "error", err)
			continue
		}
		if !seen[actor.ID] {
			seen[actor.ID] = true
			aud.visibleActorIDs = append(aud.visibleActorIDs, actor.ID)
		}
	}

	if anonymous && len(aud.visibleActorIDs) == 0 {
		aud.visibility = store.VisibilityPublic
	}
	return aud, nil
}

func containsPublic(refs fedingest.Refs) bool {
	for _, uri := range refs {
		if publicAddressing[uri] {
			return true
		}
	}
	return false
}
