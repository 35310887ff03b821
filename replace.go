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
	"time"

	"github.com/PurpleSec/logx"
	"github.com/google/uuid"
)

// mediaSlot is one position in a post's attachment order. Recreation is
// non-nil for attachments being replaced; NewID/Recreated are filled in
// during UploadNew. This is the "ordered slice of (originalID, newID,
// recreated) triples" from DESIGN.md's Open Question resolution: which
// ids to clean up is a derived projection (Recreated == true) rather than
// a second independently-maintained list.
type mediaSlot struct {
	_          [0]func()
	OriginalID string
	Recreation *MediaRecreation
	NewID      string
	Recreated  bool
}

// editIntent carries the metadata EditStatus preserves from the source
// post (§4.6).
type editIntent struct {
	_           [0]func()
	Text        string
	Spoiler     string
	Sensitive   bool
	Visibility  string
	Language    string
	InReplyTo   string
}

// replacer is C6, the Replacement Protocol: upload new attachments, edit
// the post to reference them, and schedule deferred cleanup of orphans.
type replacer struct {
	_      [0]func()
	social *socialClient
	log    logx.Log
}

func newReplacer(social *socialClient, log logx.Log) *replacer {
	return &replacer{social: social, log: log}
}

// recreateAndSwap runs the §4.6 state machine: RaceCheck -> UploadNew ->
// EditStatus -> ScheduleCleanup. slots are in the post's original
// attachment order; only entries with Recreation set are replaced.
func (r *replacer) recreateAndSwap(x context.Context, postID string, slots []mediaSlot, intent editIntent) error {
	cur, err := r.social.getPost(x, postID)
	if err != nil {
		return err
	}
	byID := make(map[string]Attachment, len(cur.Attachments))
	for _, a := range cur.Attachments {
		byID[a.ID] = a
	}
	for _, s := range slots {
		if s.Recreation == nil {
			continue
		}
		att, ok := byID[s.OriginalID]
		if !ok || att.hasDescription() {
			return ErrRaceCondition
		}
	}
	uploaded := make([]string, 0, len(slots))
	for i := range slots {
		if slots[i].Recreation == nil {
			continue
		}
		rec := slots[i].Recreation
		id, uerr := r.social.uploadMedia(x, rec.Bytes, rec.Description, rec.Filename, rec.MIME)
		if uerr != nil {
			for _, rid := range uploaded {
				if derr := r.social.deleteMedia(x, rid); derr != nil {
					r.log.Warning("Rollback delete of orphaned upload %q failed: %s", rid, derr.Error())
				}
			}
			return uerr
		}
		slots[i].NewID, slots[i].Recreated = id, true
		uploaded = append(uploaded, id)
	}
	mediaIDs := make([]string, len(slots))
	for i, s := range slots {
		if s.Recreated {
			mediaIDs[i] = s.NewID
		} else {
			mediaIDs[i] = s.OriginalID
		}
	}
	p := editParams{
		postID:     postID,
		text:       zeroWidthOrText(intent.Text),
		spoiler:    intent.Spoiler,
		sensitive:  intent.Sensitive,
		visibility: intent.Visibility,
		language:   intent.Language,
		inReplyTo:  intent.InReplyTo,
		mediaIDs:   mediaIDs,
	}
	if err = r.social.editStatus(x, p); err != nil {
		for _, rid := range uploaded {
			if derr := r.social.deleteMedia(context.Background(), rid); derr != nil {
				r.log.Warning("Cleanup of unattached upload %q after edit failure failed: %s", rid, derr.Error())
			}
		}
		return err
	}
	originals := make([]string, 0, len(uploaded))
	for _, s := range slots {
		if s.Recreated {
			originals = append(originals, s.OriginalID)
		}
	}
	r.scheduleCleanup(originals)
	return nil
}

// scheduleCleanup runs the deferred orphan-cleanup task on a detached
// goroutine (§4.6): initial wait 10s, then up to 3 retries with delays
// 10, 20, 40s. 404 is success; a 422 body mentioning "currently used by a
// status" is transient and retried next round; any other error is logged
// and not retried.
func (r *replacer) scheduleCleanup(ids []string) {
	if len(ids) == 0 {
		return
	}
	run := uuid.NewString()
	go func() {
		remaining := ids
		delays := []time.Duration{10 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
		for round, d := range delays {
			time.Sleep(d)
			var next []string
			for _, id := range remaining {
				err := r.social.deleteMedia(context.Background(), id)
				switch {
				case err == nil:
				case isTransientInUse(err):
					next = append(next, id)
				default:
					r.log.Warning("Cleanup[%s] delete of media %q failed permanently: %s", run, id, err.Error())
				}
			}
			remaining = next
			if len(remaining) == 0 {
				return
			}
			if round == len(delays)-1 {
				r.log.Warning("Cleanup[%s] exhausted retries, %d media id(s) left undeleted", run, len(remaining))
			}
		}
	}()
}

// isTransientInUse reports whether err is a 422 response whose body
// indicates the server is still indexing the edit (§4.6).
func isTransientInUse(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == 422 && strings.Contains(se.body, "currently used by a status")
}
