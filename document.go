package fedingest

import (
	"encoding/json"
	"time"
)

// Refs is a list of object references. On the wire a reference position may
// hold a single URI string, a single embedded object, or an array of either;
// Refs flattens all of those to the referenced ids.
type Refs []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Refs) UnmarshalJSON(data []byte) error {
	*r = nil

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	appendOne := func(v any) {
		switch v := v.(type) {
		case string:
			if v != "" {
				*r = append(*r, v)
			}
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				*r = append(*r, id)
			}
		}
	}

	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			appendOne(item)
		}
	default:
		appendOne(v)
	}
	return nil
}

// First returns the first reference, or "" if there is none.
func (r Refs) First() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Icon is an image reference attached to a tag.
type Icon struct {
	URL string `json:"url,omitempty"`
}

// Tag is an entry in a document's tag collection: a mention, hashtag, or
// custom emoji reference.
type Tag struct {
	Type    string     `json:"type,omitempty"`
	Name    string     `json:"name,omitempty"`
	Href    string     `json:"href,omitempty"`
	ID      string     `json:"id,omitempty"`
	Updated *time.Time `json:"updated,omitempty"`
	Icon    *Icon      `json:"icon,omitempty"`
}

// Attachment is a media attachment on a document.
type Attachment struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

// Attachments decodes either a single attachment object or an array.
type Attachments []Attachment

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attachments) UnmarshalJSON(data []byte) error {
	*a = nil

	var list []Attachment
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}

	var single Attachment
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*a = Attachments{single}
	return nil
}

// PollOption is a single choice of a Question-type document.
type PollOption struct {
	Name    string `json:"name,omitempty"`
	Replies struct {
		TotalItems int `json:"totalItems,omitempty"`
	} `json:"replies,omitempty"`
}

// NativeMarkupType is the media type peers running the same software use to
// publish the unrendered markup of a document alongside the rendered HTML.
const NativeMarkupType = "text/x.fedimarkdown"

// Source carries the original markup of a document alongside the rendered
// content.
type Source struct {
	Content   string `json:"content,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// Document is a federation protocol object as handed to the engine by the
// protocol layer. Only the fields the ingestion pipeline consumes are
// modelled; unknown fields are ignored.
type Document struct {
	ID           string       `json:"id,omitempty"`
	Type         string       `json:"type,omitempty"`
	AttributedTo Refs         `json:"attributedTo,omitempty"`
	To           Refs         `json:"to,omitempty"`
	CC           Refs         `json:"cc,omitempty"`
	InReplyTo    Refs         `json:"inReplyTo,omitempty"`
	QuoteURL     string       `json:"quoteUrl,omitempty"`
	QuoteURI     string       `json:"quoteUri,omitempty"`
	Content      string       `json:"content,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Name         string       `json:"name,omitempty"`
	URL          string       `json:"url,omitempty"`
	Published    *time.Time   `json:"published,omitempty"`
	Updated      *time.Time   `json:"updated,omitempty"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	Source       *Source      `json:"source,omitempty"`
	Tag          []Tag        `json:"tag,omitempty"`
	Attachment   Attachments  `json:"attachment,omitempty"`
	OneOf        []PollOption `json:"oneOf,omitempty"`
	AnyOf        []PollOption `json:"anyOf,omitempty"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
}

// postTypes are the document types the pipeline will ingest as posts.
var postTypes = map[string]bool{
	"Note":     true,
	"Question": true,
	"Article":  true,
	"Audio":    true,
	"Document": true,
	"Event":    true,
	"Image":    true,
	"Page":     true,
	"Video":    true,
}

// IsPost reports whether the document's type is ingestable as a post.
func (d *Document) IsPost() bool {
	return postTypes[d.Type]
}

// PollOptions returns the document's poll choices and whether multiple
// choices may be selected. Returns nil if the document carries no poll.
func (d *Document) PollOptions() ([]PollOption, bool) {
	if len(d.OneOf) > 0 {
		return d.OneOf, false
	}
	if len(d.AnyOf) > 0 {
		return d.AnyOf, true
	}
	return nil, false
}

// QuoteCandidates returns the deduplicated quote target URIs declared by the
// document, in declaration order.
func (d *Document) QuoteCandidates() []string {
	var out []string
	seen := map[string]bool{}
	for _, uri := range []string{d.QuoteURI, d.QuoteURL} {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out
}
