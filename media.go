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
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/PurpleSec/logx"
)

const downloadMax = 100 * 1024 * 1024

// runtimeConfig holds values computed once at startup rather than read
// directly from config, per SPEC_FULL.md §C.1: whether audio/video
// processing is actually usable depends on both the config flag and a
// working transcoder being discoverable on PATH.
type runtimeConfig struct {
	_            [0]func()
	ffmpegPath   string
	whisperReady bool
}

func newRuntimeConfig(c *config) *runtimeConfig {
	r := &runtimeConfig{}
	if p, err := exec.LookPath("ffmpeg"); err == nil {
		r.ffmpegPath = p
	}
	r.whisperReady = c.Whisper.Enabled
	return r
}

// audioEnabled reports whether audio/video transcription is active: the
// transcoder must be on PATH and whisper must be enabled in config.
func (r *runtimeConfig) audioEnabled() bool {
	return len(r.ffmpegPath) > 0 && r.whisperReady
}

// MediaRecreation is the tuple assembled after successful description
// generation, consumed by the Replacement Protocol (§3).
type MediaRecreation struct {
	_           [0]func()
	OriginalID  string
	Bytes       []byte
	Description string
	MIME        string
	Filename    string
}

// imageExtensions maps image MIME types to canonical filename extensions
// (SPEC_FULL.md §C.6). Anything unrecognized falls back to "jpg".
var imageExtensions = map[string]string{
	"image/jpeg": "jpg", "image/png": "png", "image/gif": "gif",
	"image/webp": "webp", "image/bmp": "bmp", "image/tiff": "tiff",
}

// audioExtensions maps audio MIME types to canonical filename extensions.
var audioExtensions = map[string]string{
	"audio/mpeg": "mp3", "audio/mp3": "mp3", "audio/wav": "wav", "audio/x-wav": "wav",
	"audio/wave": "wav", "audio/m4a": "m4a", "audio/mp4": "mp4", "audio/aac": "aac",
	"audio/ogg": "ogg", "audio/flac": "flac", "audio/x-flac": "flac",
}

// videoExtensions maps video MIME types to canonical filename extensions.
var videoExtensions = map[string]string{
	"video/mp4": "mp4", "video/mpeg": "mpeg", "video/quicktime": "mov",
	"video/x-msvideo": "avi", "video/webm": "webm", "video/x-ms-wmv": "wmv",
	"video/x-flv": "flv", "video/3gpp": "3gp", "video/x-matroska": "mkv",
}

// extensionFor resolves a filename extension from the kind/MIME tables
// (§4.5 step 7, SPEC_FULL.md §C.6).
func extensionFor(k mediaKind, mime string) string {
	switch k {
	case kindImage:
		if e, ok := imageExtensions[mime]; ok {
			return e
		}
		return "jpg"
	case kindAudio:
		if e, ok := audioExtensions[mime]; ok {
			return e
		}
		return "audio"
	case kindVideo:
		if e, ok := videoExtensions[mime]; ok {
			return e
		}
		return "video"
	default:
		return "bin"
	}
}

// mediaProcessor is C3, the Media Pipeline: classification, download,
// image transform, audio/video transcript extraction.
type mediaProcessor struct {
	_       [0]func()
	log     logx.Log
	http    *http.Client
	cfg     *mediaConfig
	whisper *whisperConfig
	runtime *runtimeConfig
	speech  *whisperWorker
}

func newMediaProcessor(c *config, runtime *runtimeConfig, l logx.Log) *mediaProcessor {
	return &mediaProcessor{
		log:     l,
		http:    &http.Client{Timeout: 60 * time.Second},
		cfg:     &c.Media,
		whisper: &c.Whisper,
		runtime: runtime,
		speech:  newWhisperWorker(&c.Whisper),
	}
}

// download streams bytes from a source URL, aborting once the cumulative
// size exceeds 100MB (§4.3, protection against hostile servers). Only
// http/https schemes are accepted.
func (m *mediaProcessor) download(x context.Context, url string, maxBytes int64) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, errors.New(`unsupported download scheme: "` + url + `"`)
	}
	if maxBytes <= 0 || maxBytes > downloadMax {
		maxBytes = downloadMax
	}
	r, err := http.NewRequestWithContext(x, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadFailedError{URL: url, Err: err}
	}
	o, err := m.http.Do(r)
	if err != nil {
		return nil, &DownloadFailedError{URL: url, Err: err}
	}
	defer o.Body.Close()
	if o.StatusCode >= 300 {
		return nil, &DownloadFailedError{URL: url, Err: errors.New("http status " + o.Status)}
	}
	lr := io.LimitReader(o.Body, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, &DownloadFailedError{URL: url, Err: err}
	}
	if int64(len(data)) > maxBytes {
		return nil, &DownloadFailedError{URL: url, Err: errors.New("download exceeded size limit")}
	}
	return data, nil
}

// transcodeToWAV invokes the external transcoder to normalize input bytes
// to 16kHz mono PCM WAV (§4.3 steps, audio and video alike — the video
// stream is discarded). Runs as a blocking subprocess on the calling
// goroutine (audioTranscript/videoTranscript call it directly); other
// goroutines keep running while it waits.
func (m *mediaProcessor) transcodeToWAV(x context.Context, input []byte, srcExt string) ([]byte, error) {
	if len(m.runtime.ffmpegPath) == 0 {
		return nil, errors.New("ffmpeg not available on PATH")
	}
	cmd := exec.CommandContext(x, m.runtime.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", srcExt, "-i", "pipe:0",
		"-vn", "-ac", "1", "-ar", "16000", "-f", "wav", "pipe:1")
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.New("transcode failed: " + err.Error())
	}
	return out, nil
}

const transcriptMax = 1500

// normalizeTranscript drops NUL and non-whitespace control characters and
// trims the result (§4.3 step 5, audio and video alike).
func normalizeTranscript(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0 {
			continue
		}
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// summarizeOrTruncate shortens a transcript over transcriptMax code
// points by asking C2 to summarize it (up to 3 retries on provider
// failure/rate limit, §4.3 step 6); on exhaustion it truncates to 1497
// code points and appends "...".
func summarizeOrTruncate(x context.Context, or *openRouterClient, log logx.Log, transcript, lang string) string {
	prompt := summarizationPrompt(transcript, lang)
	var last error
retry:
	for attempt := 0; attempt < 3; attempt++ {
		summary, err := or.processText(x, prompt)
		if err == nil {
			if n := runeLen(summary); n <= transcriptMax {
				return summary
			}
			return truncateRunes(summary, transcriptMax)
		}
		last = err
		if !isRecoverable(err) {
			break
		}
		select {
		case <-time.After(retryDelay(err, attempt, time.Second, 30*time.Second)):
		case <-x.Done():
			break retry
		}
	}
	log.Warning("Transcript summarization failed, truncating: %s", last.Error())
	return truncateRunes(transcript, transcriptMax-3) + "..."
}

func runeLen(s string) int { return len([]rune(s)) }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
