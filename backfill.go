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
	"time"

	"github.com/PurpleSec/logx"
	"github.com/google/uuid"
)

// runBackfill is C8: on startup, if mastodon.backfill_count > 0, fetch
// the newest N user posts and feed every one that has at least one
// attachment lacking a description into the Toot Handler (C5), newest to
// oldest, sleeping backfill_pause seconds between items (§4.8).
//
// Unlike the stubbed placeholder this behavior is grounded on in
// original_source/backfill.rs (which never actually invokes its handler),
// this hands qualifying posts to the real toot handler — §4.8 explicitly
// requires it, so the stub is not reproduced.
func runBackfill(x context.Context, log logx.Log, cfg *config, social *socialClient, handler *tootHandler) {
	if cfg.Mastodon.BackfillCount == 0 {
		return
	}
	run := uuid.NewString()
	posts, err := social.getUserStatuses(x, social.accountID, int(cfg.Mastodon.BackfillCount))
	if err != nil {
		log.Error("Backfill[%s] scan failed to list statuses: %s", run, err.Error())
		return
	}
	log.Info("Backfill[%s] scanning %d post(s)", run, len(posts))
	pause := time.Duration(cfg.Mastodon.BackfillPause) * time.Second
	for i, post := range posts {
		select {
		case <-x.Done():
			return
		default:
		}
		if len(handler.filterAttachments(post)) == 0 {
			continue
		}
		if err = handler.handleEvent(x, StreamEvent{Kind: eventUpdate, Post: post}); err != nil {
			log.Warning("Backfill[%s] processing of %q failed: %s", run, post.ID, err.Error())
		}
		if i < len(posts)-1 {
			select {
			case <-time.After(pause):
			case <-x.Done():
				return
			}
		}
	}
}
