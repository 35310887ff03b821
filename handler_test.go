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
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDedupCache(t *testing.T) *lru.Cache[string, struct{}] {
	t.Helper()
	c, err := lru.New[string, struct{}](dedupCapacity)
	require.NoError(t, err)
	return c
}

func TestEditKey(t *testing.T) {
	p := &Post{ID: "9", Attachments: []Attachment{{ID: "b"}, {ID: "a"}}}
	assert.Equal(t, "9:a,b", editKey(p))
}

func TestFilterAttachmentsSkipsDescribedAndMissingFields(t *testing.T) {
	h := &tootHandler{runtime: &runtimeConfig{}, log: testLogger()}
	post := &Post{Attachments: []Attachment{
		{ID: "1", SourceURL: "https://x/1.png", Kind: kindImage},
		{ID: "2", SourceURL: "https://x/2.png", Kind: kindImage, Description: "already described"},
		{ID: "", SourceURL: "https://x/3.png", Kind: kindImage},
		{ID: "4", SourceURL: "", Kind: kindImage},
		{ID: "5", SourceURL: "https://x/5.mp4", Kind: kindVideo},
		{ID: "6", SourceURL: "https://x/6.pdf", Kind: kindOther},
	}}
	out := h.filterAttachments(post)
	require.Len(t, out, 1)
	assert.Equal(t, "1", out[0].ID)
}

func TestFilterAttachmentsIncludesAudioVideoWhenRuntimeEnabled(t *testing.T) {
	h := &tootHandler{runtime: &runtimeConfig{ffmpegPath: "/usr/bin/ffmpeg", whisperReady: true}, log: testLogger()}
	post := &Post{Attachments: []Attachment{
		{ID: "1", SourceURL: "https://x/1.mp3", Kind: kindAudio},
		{ID: "2", SourceURL: "https://x/2.mp4", Kind: kindVideo},
	}}
	out := h.filterAttachments(post)
	assert.Len(t, out, 2)
}

func TestRaceDetectedMissingOrDescribed(t *testing.T) {
	cur := &Post{Attachments: []Attachment{{ID: "a", Description: ""}, {ID: "b", Description: "already described"}}}
	assert.False(t, raceDetected(cur, "a"))
	assert.True(t, raceDetected(cur, "b"))
	assert.True(t, raceDetected(cur, "missing"))
}

func TestAssembleBuildsFullOrderWithRecreations(t *testing.T) {
	h := &tootHandler{}
	post := &Post{Attachments: []Attachment{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	prepared := []*preparedAttachment{
		{attachment: Attachment{ID: "b", Kind: kindImage, MIME: "image/png"}, originalBytes: []byte("x"), description: "desc", ready: true},
		{attachment: Attachment{ID: "c", Kind: kindImage}, skip: true},
	}
	slots := h.assemble(post, prepared)
	require.Len(t, slots, 3)
	assert.Nil(t, slots[0].Recreation)
	assert.Equal(t, "a", slots[0].OriginalID)
	require.NotNil(t, slots[1].Recreation)
	assert.Equal(t, "desc", slots[1].Recreation.Description)
	assert.Nil(t, slots[2].Recreation)
}

func TestHandleEventIgnoresWrongKindAndForeignAuthor(t *testing.T) {
	h := &tootHandler{social: &socialClient{accountID: "me"}, runtime: &runtimeConfig{}, log: testLogger(),
		processedNew: newDedupCache(t), processedEdits: newDedupCache(t)}
	err := h.handleEvent(context.Background(), StreamEvent{Kind: eventDelete})
	assert.NoError(t, err)

	err = h.handleEvent(context.Background(), StreamEvent{Kind: eventUpdate, Post: &Post{ID: "1", AccountID: "someone-else"}})
	assert.NoError(t, err)
}

func TestHandleEventDedupsNewEvents(t *testing.T) {
	pn := newDedupCache(t)
	h := &tootHandler{social: &socialClient{accountID: "me"}, runtime: &runtimeConfig{}, log: testLogger(),
		processedNew: pn, processedEdits: newDedupCache(t)}
	h.markProcessed(eventUpdate, &Post{ID: "1"})
	err := h.handleEvent(context.Background(), StreamEvent{Kind: eventUpdate, Post: &Post{ID: "1", AccountID: "me"}})
	assert.NoError(t, err)
}
