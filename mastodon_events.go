// Copyright (C) 2021 - 2025 PurpleSec Team
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.
//

package alternator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-mastodon"
	"golang.org/x/net/html"
)

// mediaKind classifies an Attachment's handling path (§4.3).
type mediaKind uint8

const (
	kindOther mediaKind = iota
	kindImage
	kindAudio
	kindVideo
)

func (k mediaKind) String() string {
	switch k {
	case kindImage:
		return "image"
	case kindAudio:
		return "audio"
	case kindVideo:
		return "video"
	default:
		return "other"
	}
}

// classifyKind maps a MIME type prefix to a mediaKind, resolving the bare
// "image"/"audio"/"video" generics servers sometimes report.
func classifyKind(mime string) mediaKind {
	switch {
	case strings.HasPrefix(mime, "image"):
		return kindImage
	case strings.HasPrefix(mime, "audio"):
		return kindAudio
	case strings.HasPrefix(mime, "video"):
		return kindVideo
	default:
		return kindOther
	}
}

// Attachment is the decoded form of a server-side media attachment (§3).
type Attachment struct {
	ID          string
	Kind        mediaKind
	MIME        string
	SourceURL   string
	Description string
}

// hasDescription reports whether the attachment's description is present,
// per §3's "non-empty after whitespace trimming" invariant.
func (a Attachment) hasDescription() bool {
	return len(strings.TrimSpace(a.Description)) > 0
}

// Post is the decoded form of a status/toot (§3).
type Post struct {
	ID          string
	AccountID   string
	ContentHTML string
	Language    string
	Attachments []Attachment
	Visibility  string
	Sensitive   bool
	SpoilerText string
	InReplyTo   string
	CreatedAt   time.Time
	IsEdit      bool
}

// sortedAttachmentIDs returns the attachment ids sorted, for the edit-key
// fingerprint (§3, SPEC_FULL.md §C.2).
func (p *Post) sortedAttachmentIDs() []string {
	ids := make([]string, len(p.Attachments))
	for i := range p.Attachments {
		ids[i] = p.Attachments[i].ID
	}
	sortStrings(ids)
	return ids
}

// sortStrings is a tiny insertion sort; attachment counts per post are
// small (single digits), so this avoids pulling in "sort" for one call site.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Account is the authenticated user's identity, cached so foreign-author
// events can be rejected (P7).
type Account struct {
	ID          string
	Username    string
	Handle      string
	DisplayName string
	URL         string
}

// streamEventKind tags the variant carried by a StreamEvent.
type streamEventKind uint8

const (
	eventOther streamEventKind = iota
	eventUpdate
	eventEdit
	eventDelete
	eventNotification
	eventHeartbeat
)

// StreamEvent is the tagged union described in §3. Only eventUpdate and
// eventEdit for the cached account id are admitted further by C5.
type StreamEvent struct {
	_        [0]func()
	Kind     streamEventKind
	Post     *Post
	DeleteID string
}

// wireFrame is the stream wrapper frame documented in §4.1: the top-level
// "event" name plus a "payload" that is itself a JSON-encoded string (the
// server double-encodes it), not a nested JSON object.
type wireFrame struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

// decodeFrame parses one wire frame into a StreamEvent. Only "update" and
// "status.update" are admitted; the latter sets IsEdit on the decoded Post.
// "delete", "notification", "heartbeat" and unknown event names are
// consumed silently, returned as eventOther/eventDelete/eventNotification/
// eventHeartbeat with no further action taken by the caller.
func decodeFrame(raw []byte) (StreamEvent, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return StreamEvent{}, err
	}
	switch f.Event {
	case "update":
		p, err := decodeStatusPayload(f.Payload, false)
		if err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: eventUpdate, Post: p}, nil
	case "status.update":
		p, err := decodeStatusPayload(f.Payload, true)
		if err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Kind: eventEdit, Post: p}, nil
	case "delete":
		return StreamEvent{Kind: eventDelete, DeleteID: f.Payload}, nil
	case "notification":
		return StreamEvent{Kind: eventNotification}, nil
	case "":
		return StreamEvent{Kind: eventHeartbeat}, nil
	default:
		return StreamEvent{Kind: eventOther}, nil
	}
}

// decodeStatusPayload decodes the inner JSON-encoded status payload using
// go-mastodon's Status type, which already handles the API's quirky
// numeric-or-string ID encoding via mastodon.ID's custom unmarshaler.
func decodeStatusPayload(payload string, isEdit bool) (*Post, error) {
	var s mastodon.Status
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, err
	}
	if len(s.ID) == 0 {
		return nil, ErrInvalidTootData
	}
	return decodeStatus(&s, isEdit), nil
}

// decodeStatus converts a go-mastodon Status into our Post, translating its
// MediaAttachments into Attachments.
func decodeStatus(s *mastodon.Status, isEdit bool) *Post {
	if s == nil {
		return nil
	}
	p := &Post{
		ID:          string(s.ID),
		ContentHTML: s.Content,
		Language:    s.Language,
		Visibility:  s.Visibility,
		Sensitive:   s.Sensitive,
		SpoilerText: s.SpoilerText,
		CreatedAt:   s.CreatedAt,
		IsEdit:      isEdit,
	}
	if s.Account != nil {
		p.AccountID = string(s.Account.ID)
	}
	if id, ok := s.InReplyToID.(string); ok {
		p.InReplyTo = id
	}
	p.Attachments = make([]Attachment, 0, len(s.MediaAttachments))
	for _, m := range s.MediaAttachments {
		p.Attachments = append(p.Attachments, Attachment{
			ID:          string(m.ID),
			Kind:        classifyKind(m.Type),
			MIME:        m.Type,
			SourceURL:   m.URL,
			Description: m.Description,
		})
	}
	return p
}

// connectBackoff implements the reconnect delay/attempt-limit policy from
// §4.1: delay = min(60s, base*2^min(attempt,6)); resets to 0 on a clean
// parse of one event. Expressed as an explicit state machine (§9) rather
// than recursive retry helpers.
type connectBackoff struct {
	_       [0]func()
	attempt int
	base    time.Duration
	max     int
}

func newStreamBackoff() *connectBackoff { return &connectBackoff{base: time.Second, max: 10} }

func (b *connectBackoff) delay() time.Duration {
	n := b.attempt
	if n > 6 {
		n = 6
	}
	d := b.base << uint(n)
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

func (b *connectBackoff) exhausted() bool { return b.attempt >= b.max }
func (b *connectBackoff) fail()           { b.attempt++ }
func (b *connectBackoff) reset()          { b.attempt = 0 }

// htmlReplacer decodes the handful of named entities and numeric escapes
// the teacher's stripHTML handled explicitly in poster.go.
var htmlReplacer = strings.NewReplacer(
	"&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
)

// stripHTML renders a best-effort plain-text rendition of a post's HTML
// content for log lines only; the authoritative source text always comes
// from getSource (§4.1). Built on golang.org/x/net/html's tokenizer,
// mirroring the teacher's stripHTML in poster.go.
func stripHTML(s string) string {
	var b strings.Builder
	t := html.NewTokenizer(strings.NewReader(s))
	for {
		switch t.Next() {
		case html.ErrorToken:
			return htmlReplacer.Replace(b.String())
		case html.TextToken:
			b.Write(t.Text())
		case html.StartTagToken:
			if name, _ := t.TagName(); string(name) == "br" || string(name) == "p" {
				b.WriteByte('\n')
			}
		}
	}
}

// zeroWidthOrText returns s unless it trims to empty, in which case it
// returns exactly one U+200B (§4.1 "Zero-width substitution", P4).
func zeroWidthOrText(s string) string {
	if len(strings.TrimSpace(s)) == 0 {
		return "​"
	}
	return s
}

// verifyAccount checks that an event's author matches the cached
// authenticated account id (P7).
func verifyAccount(cached string, p *Post) bool {
	return p != nil && p.AccountID == cached
}
