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
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/PurpleSec/logx"
	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCapacity = 5000

// preparedAttachment holds the per-attachment state carried from the
// Prepare phase into the Describe phase (§4.5 steps 5-6).
type preparedAttachment struct {
	attachment    Attachment
	originalBytes []byte
	analysisBytes []byte
	description   string
	ready         bool
	skip          bool
	abortErr      error
}

// tootHandler is C5, the Toot Handler: consumes events, gates duplicates,
// drives the per-attachment pipeline, assembles the replacement batch,
// and enforces race checks.
type tootHandler struct {
	_              [0]func()
	social         *socialClient
	or             *openRouterClient
	media          *mediaProcessor
	lang           *languageDetector
	runtime        *runtimeConfig
	cfg            *config
	log            logx.Log
	replacer       *replacer
	processedNew   *lru.Cache[string, struct{}]
	processedEdits *lru.Cache[string, struct{}]
}

func newTootHandler(social *socialClient, or *openRouterClient, media *mediaProcessor, lang *languageDetector, runtime *runtimeConfig, cfg *config, log logx.Log) *tootHandler {
	pn, _ := lru.New[string, struct{}](dedupCapacity)
	pe, _ := lru.New[string, struct{}](dedupCapacity)
	return &tootHandler{
		social: social, or: or, media: media, lang: lang, runtime: runtime, cfg: cfg, log: log,
		replacer: newReplacer(social, log), processedNew: pn, processedEdits: pe,
	}
}

// editKey is the dedup fingerprint for edits: "{post.id}:{sorted attachment ids}"
// (§3, SPEC_FULL.md §C.2).
func editKey(p *Post) string {
	return p.ID + ":" + strings.Join(p.sortedAttachmentIDs(), ",")
}

// startProcessing drives the event loop until ctx is canceled, the stream
// gives up reconnecting, or a shutdown-class error (shouldShutdown)
// occurs; other processing errors are logged and the loop continues.
func (h *tootHandler) startProcessing(x context.Context) error {
	for {
		select {
		case <-x.Done():
			return x.Err()
		default:
		}
		ev, err := h.social.nextEvent(x)
		if err != nil {
			return err
		}
		if err = h.handleEvent(x, ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if shouldShutdown(err) {
				return err
			}
			h.log.Error("Event processing failed: %s", err.Error())
			var rl *RateLimitError
			if errors.As(err, &rl) {
				select {
				case <-time.After(time.Duration(rl.RetryAfter) * time.Second):
				case <-x.Done():
					return x.Err()
				}
			}
		}
	}
}

// handleEvent admits only Update/Edit events for the cached account (P7),
// applies the dedup gate (P2), and dispatches to process.
func (h *tootHandler) handleEvent(x context.Context, ev StreamEvent) error {
	if ev.Kind != eventUpdate && ev.Kind != eventEdit {
		return nil
	}
	if !verifyAccount(h.social.accountID, ev.Post) {
		return nil
	}
	post := ev.Post
	if ev.Kind == eventUpdate {
		if _, ok := h.processedNew.Get(post.ID); ok {
			return nil
		}
	} else if _, ok := h.processedEdits.Get(editKey(post)); ok {
		return nil
	}
	return h.process(x, ev.Kind, post)
}

func (h *tootHandler) markProcessed(kind streamEventKind, post *Post) {
	if kind == eventUpdate {
		h.processedNew.Add(post.ID, struct{}{})
	} else {
		h.processedEdits.Add(editKey(post), struct{}{})
	}
}

// process runs steps 2-9 of §4.5 for one admitted event.
func (h *tootHandler) process(x context.Context, kind streamEventKind, post *Post) error {
	filtered := h.filterAttachments(post)
	if len(filtered) == 0 {
		h.markProcessed(kind, post)
		return nil
	}
	plainText, spoiler, err := h.social.getSource(x, post.ID)
	if err != nil {
		h.log.Warning("Fetching source text for %q failed, falling back to stripped HTML: %s", post.ID, err.Error())
		plainText, spoiler = stripHTML(post.ContentHTML), post.SpoilerText
	}
	lang := h.lang.selectLanguage(post.Language, plainText)
	prompt, err := promptFor(lang, h.or.vision)
	if err != nil {
		return h.classifyFailure(kind, post, err)
	}
	prepared := h.prepare(x, post, filtered, lang)
	h.describe(x, prepared, prompt)
	for _, p := range prepared {
		if p.abortErr != nil {
			return h.classifyFailure(kind, post, p.abortErr)
		}
	}
	slots := h.assemble(post, prepared)
	intent := editIntent{
		Text: plainText, Spoiler: spoiler, Sensitive: post.Sensitive,
		Visibility: post.Visibility, Language: lang, InReplyTo: post.InReplyTo,
	}
	err = h.replacer.recreateAndSwap(x, post.ID, slots, intent)
	switch {
	case err == nil:
		h.markProcessed(kind, post)
		return nil
	case errors.Is(err, ErrRaceCondition):
		h.markProcessed(kind, post)
		h.log.Warning("Race condition detected processing %q, abandoning event", post.ID)
		return nil
	default:
		return h.classifyFailure(kind, post, err)
	}
}

// classifyFailure implements the mark-as-processed-on-failure policy
// (§4.5, OQ#2): any processing failure inserts the dedup key, except a
// rate-limit error, which is re-raised unmarked so the caller backs off
// and a redelivered event gets a fresh attempt.
func (h *tootHandler) classifyFailure(kind streamEventKind, post *Post, err error) error {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return err
	}
	h.markProcessed(kind, post)
	h.log.Error("Processing %q failed: %s", post.ID, err.Error())
	return nil
}

// filterAttachments implements §4.5 step 2: kind supported, description
// absent-or-empty, non-empty id/url. Audio/video require the runtime
// audio-enabled flag.
func (h *tootHandler) filterAttachments(post *Post) []Attachment {
	out := make([]Attachment, 0, len(post.Attachments))
	for _, a := range post.Attachments {
		if len(a.ID) == 0 || len(a.SourceURL) == 0 || a.hasDescription() {
			continue
		}
		switch a.Kind {
		case kindImage:
			out = append(out, a)
		case kindAudio, kindVideo:
			if h.runtime.audioEnabled() {
				out = append(out, a)
			}
		default:
			h.log.Debug("Skipping attachment %q: %s", a.ID, (&UnsupportedTypeError{MediaType: a.MIME}).Error())
		}
	}
	return out
}

// prepare runs §4.5 step 5 sequentially per attachment: a per-attachment
// race pre-check (advisory on transport failure, strict on a detected
// race — SPEC_FULL.md §C.3), then download and, per kind, either a
// second transformed copy for vision analysis or a direct transcription.
func (h *tootHandler) prepare(x context.Context, post *Post, filtered []Attachment, lang string) []*preparedAttachment {
	out := make([]*preparedAttachment, 0, len(filtered))
	for _, a := range filtered {
		if cur, err := h.social.getPost(x, post.ID); err != nil {
			h.log.Warning("Race pre-check for %q failed, continuing: %s", a.ID, err.Error())
		} else if raceDetected(cur, a.ID) {
			h.log.Warning("Race detected on attachment %q, skipping", a.ID)
			continue
		}
		switch a.Kind {
		case kindImage:
			data, derr := h.media.download(x, a.SourceURL, 0)
			if derr != nil {
				h.log.Warning("Download of %q failed: %s", a.ID, derr.Error())
				continue
			}
			analysis, aerr := h.media.prepareImageForVision(data, int(h.cfg.Media.ResizeMaxDimension))
			if aerr != nil {
				h.log.Warning("Image transform of %q failed: %s", a.ID, aerr.Error())
				continue
			}
			out = append(out, &preparedAttachment{attachment: a, originalBytes: data, analysisBytes: analysis})
		case kindAudio:
			data, derr := h.media.download(x, a.SourceURL, int64(h.cfg.Media.MaxAudioSizeMB)*1024*1024)
			if derr != nil {
				h.log.Warning("Download of %q failed: %s", a.ID, derr.Error())
				continue
			}
			text, terr := h.media.audioTranscript(x, h.or, a, data, lang)
			if terr != nil {
				h.log.Warning("Audio transcription of %q failed: %s", a.ID, terr.Error())
				continue
			}
			out = append(out, &preparedAttachment{attachment: a, originalBytes: data, description: text, ready: true})
		case kindVideo:
			data, derr := h.media.download(x, a.SourceURL, int64(h.cfg.Media.MaxVideoSizeMB)*1024*1024)
			if derr != nil {
				h.log.Warning("Download of %q failed: %s", a.ID, derr.Error())
				continue
			}
			text, terr := h.media.videoTranscript(x, h.or, a, data, lang)
			if terr != nil {
				h.log.Warning("Video transcription of %q failed: %s", a.ID, terr.Error())
				continue
			}
			out = append(out, &preparedAttachment{attachment: a, originalBytes: data, description: text, ready: true})
		}
	}
	return out
}

// describe runs §4.5 step 6: images are described concurrently; a
// per-attachment TokenLimitExceeded demotes to skip, any other error
// aborts the whole event (recorded on abortErr and checked by the caller
// after Wait so every in-flight call still completes).
func (h *tootHandler) describe(x context.Context, prepared []*preparedAttachment, prompt string) {
	var wg sync.WaitGroup
	for _, p := range prepared {
		if p.ready || p.attachment.Kind != kindImage {
			continue
		}
		wg.Add(1)
		go func(p *preparedAttachment) {
			defer wg.Done()
			desc, err := h.or.describeImage(x, p.analysisBytes, prompt)
			if err != nil {
				var tl *TokenLimitError
				if errors.As(err, &tl) {
					h.log.Warning("Token limit exceeded describing %q, skipping attachment", p.attachment.ID)
					p.skip = true
					return
				}
				p.abortErr = err
				return
			}
			p.description, p.ready = desc, true
		}(p)
	}
	wg.Wait()
}

// assemble implements §4.5 step 7: build a full-order slot list, filling
// in a MediaRecreation for every attachment that was successfully
// prepared and described; attachments that were filtered out, skipped, or
// raced keep their original id in place (scenario 3).
func (h *tootHandler) assemble(post *Post, prepared []*preparedAttachment) []mediaSlot {
	slots := make([]mediaSlot, len(post.Attachments))
	index := make(map[string]int, len(post.Attachments))
	for i, a := range post.Attachments {
		slots[i] = mediaSlot{OriginalID: a.ID}
		index[a.ID] = i
	}
	for _, p := range prepared {
		if p.skip || !p.ready {
			continue
		}
		i, ok := index[p.attachment.ID]
		if !ok {
			continue
		}
		ext := extensionFor(p.attachment.Kind, p.attachment.MIME)
		slots[i].Recreation = &MediaRecreation{
			OriginalID:  p.attachment.ID,
			Bytes:       p.originalBytes,
			Description: p.description,
			MIME:        p.attachment.MIME,
			Filename:    p.attachment.Kind.String() + "_" + p.attachment.ID + "." + ext,
		}
	}
	return slots
}

// raceDetected implements §4.5's race pre-check predicate: the specific
// attachment is gone or already has a non-empty description.
func raceDetected(cur *Post, attachmentID string) bool {
	for _, a := range cur.Attachments {
		if a.ID == attachmentID {
			return a.hasDescription()
		}
	}
	return true
}
