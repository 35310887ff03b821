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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PurpleSec/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logx.Log {
	return logx.Multiple(logx.Console(logx.Level(0)))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "png", extensionFor(kindImage, "image/png"))
	assert.Equal(t, "jpg", extensionFor(kindImage, "image/unknown"))
	assert.Equal(t, "mp3", extensionFor(kindAudio, "audio/mpeg"))
	assert.Equal(t, "audio", extensionFor(kindAudio, "audio/unknown"))
	assert.Equal(t, "mp4", extensionFor(kindVideo, "video/mp4"))
	assert.Equal(t, "bin", extensionFor(kindOther, "application/pdf"))
}

func TestRuneLenAndTruncateRunes(t *testing.T) {
	s := "héllo wörld"
	assert.Equal(t, len([]rune(s)), runeLen(s))
	assert.Equal(t, "héllo", truncateRunes(s, 5))
	assert.Equal(t, s, truncateRunes(s, 1000))
}

func TestNormalizeTranscript(t *testing.T) {
	in := "Hello\x00 World\x01\n\tTab"
	out := normalizeTranscript(in)
	assert.Equal(t, "Hello World\n\tTab", out)
	assert.Equal(t, "", normalizeTranscript("   \x00  "))
}

func TestDownloadRejectsNonHTTPScheme(t *testing.T) {
	m := newMediaProcessor(&config{}, &runtimeConfig{}, testLogger())
	_, err := m.download(context.Background(), "ftp://example.com/file", 0)
	assert.Error(t, err)
}

func TestDownloadSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()
	m := newMediaProcessor(&config{}, &runtimeConfig{}, testLogger())
	data, err := m.download(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloadEnforcesMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 100))
	}))
	defer srv.Close()
	m := newMediaProcessor(&config{}, &runtimeConfig{}, testLogger())
	_, err := m.download(context.Background(), srv.URL, 10)
	assert.Error(t, err)
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	m := newMediaProcessor(&config{}, &runtimeConfig{}, testLogger())
	_, err := m.download(context.Background(), srv.URL, 0)
	assert.Error(t, err)
	var derr *DownloadFailedError
	assert.ErrorAs(t, err, &derr)
}

func TestRuntimeConfigAudioEnabled(t *testing.T) {
	r := &runtimeConfig{ffmpegPath: "/usr/bin/ffmpeg", whisperReady: true}
	assert.True(t, r.audioEnabled())
	r.whisperReady = false
	assert.False(t, r.audioEnabled())
	r = &runtimeConfig{whisperReady: true}
	assert.False(t, r.audioEnabled())
}

func TestSummarizeOrTruncateFallsBackOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	or := newOpenRouterClient(&config{OpenRouter: openRouterConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"}}, testLogger())
	transcript := strings.Repeat("word ", 400)
	out := summarizeOrTruncate(context.Background(), or, testLogger(), transcript, "en")
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.LessOrEqual(t, runeLen(out), transcriptMax)
}

func TestSummarizeOrTruncateUsesProviderSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"short summary"}}]}`))
	}))
	defer srv.Close()
	or := newOpenRouterClient(&config{OpenRouter: openRouterConfig{BaseURL: srv.URL, Model: "m", APIKey: "k"}}, testLogger())
	out := summarizeOrTruncate(context.Background(), or, testLogger(), "a long transcript", "en")
	assert.Equal(t, "short summary", out)
}
