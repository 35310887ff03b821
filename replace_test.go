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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientInUse(t *testing.T) {
	assert.True(t, isTransientInUse(&statusError{status: 422, body: "asset currently used by a status"}))
	assert.False(t, isTransientInUse(&statusError{status: 422, body: "some other reason"}))
	assert.False(t, isTransientInUse(&statusError{status: 404, body: "currently used by a status"}))
	assert.False(t, isTransientInUse(nil))
}

func TestRecreateAndSwapUploadsEditsAndSwaps(t *testing.T) {
	var uploadedIDs []string
	var editedMediaIDs []string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/api/v1/statuses/1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"id":"1","media_attachments":[{"id":"orig1","type":"image","url":"https://x/1.png"}]}`))
		case http.MethodPut:
			require.NoError(t, r.ParseForm())
			editedMediaIDs = r.Form["media_ids[]"]
			w.Write([]byte(`{}`))
		}
	})
	mux.HandleFunc("/api/v2/media", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		id := "new1"
		uploadedIDs = append(uploadedIDs, id)
		w.Write([]byte(`{"id":"` + id + `"}`))
	})
	sc := newTestSocialClient(t, srv.URL)
	r := newReplacer(sc, testLogger())

	slots := []mediaSlot{{
		OriginalID: "orig1",
		Recreation: &MediaRecreation{OriginalID: "orig1", Bytes: []byte("img"), Description: "a cat", MIME: "image/jpeg", Filename: "image_orig1.jpg"},
	}}
	err := r.recreateAndSwap(context.Background(), "1", slots, editIntent{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"new1"}, uploadedIDs)
	assert.Equal(t, []string{"new1"}, editedMediaIDs)
}

func TestRecreateAndSwapDetectsRace(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/api/v1/statuses/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"id":"1","media_attachments":[{"id":"orig1","type":"image","url":"https://x/1.png","description":"already described by someone else"}]}`))
		}
	})
	sc := newTestSocialClient(t, srv.URL)
	r := newReplacer(sc, testLogger())
	slots := []mediaSlot{{
		OriginalID: "orig1",
		Recreation: &MediaRecreation{OriginalID: "orig1", Bytes: []byte("img"), Description: "a cat", MIME: "image/jpeg", Filename: "x.jpg"},
	}}
	err := r.recreateAndSwap(context.Background(), "1", slots, editIntent{Text: "hello"})
	assert.ErrorIs(t, err, ErrRaceCondition)
}

func TestRecreateAndSwapRollsBackUploadsOnEditFailure(t *testing.T) {
	var deletedIDs []string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/api/v1/statuses/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"id":"1","media_attachments":[{"id":"orig1","type":"image","url":"https://x/1.png"}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v2/media", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"new1"}`))
	})
	mux.HandleFunc("/api/v1/media/new1", func(w http.ResponseWriter, r *http.Request) {
		deletedIDs = append(deletedIDs, "new1")
		w.WriteHeader(http.StatusNotFound)
	})
	sc := newTestSocialClient(t, srv.URL)
	r := newReplacer(sc, testLogger())
	slots := []mediaSlot{{
		OriginalID: "orig1",
		Recreation: &MediaRecreation{OriginalID: "orig1", Bytes: []byte("img"), Description: "a cat", MIME: "image/jpeg", Filename: "x.jpg"},
	}}
	err := r.recreateAndSwap(context.Background(), "1", slots, editIntent{Text: "hello"})
	assert.Error(t, err)
	assert.Equal(t, []string{"new1"}, deletedIDs)
}

func TestScheduleCleanupNoopOnEmpty(t *testing.T) {
	r := newReplacer(nil, testLogger())
	r.scheduleCleanup(nil)
}
