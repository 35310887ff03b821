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
)

// videoDurationDivisor estimates minutes-of-video from megabytes; video
// bitrates run higher than audio, hence the larger divisor (§4.3).
const videoDurationDivisor = 10

// videoTranscript implements the video branch of §4.3 against already
// downloaded bytes: identical to audioTranscript except for the
// size/duration config fields and the duration-estimate divisor; the
// transcoder extracts mono 16kHz PCM and discards the video stream.
func (m *mediaProcessor) videoTranscript(x context.Context, or *openRouterClient, a Attachment, data []byte, lang string) (string, error) {
	sizeMB := float64(len(data)) / (1024 * 1024)
	if estimatedMinutes := sizeMB / videoDurationDivisor; estimatedMinutes > float64(m.whisper.MaxDurationMinutes) {
		return "", &ImageTooLargeError{SizeMB: sizeMB, MaxMB: float64(m.cfg.MaxVideoSizeMB)}
	}
	wav, err := m.transcodeToWAV(x, data, extensionFor(kindVideo, a.MIME))
	if err != nil {
		return "", err
	}
	raw, err := m.speech.transcribe(x, wav, m.whisper.Language)
	if err != nil {
		return "", err
	}
	text := normalizeTranscript(raw)
	if len(text) == 0 {
		return "", ErrNoSpeech
	}
	if runeLen(text) > transcriptMax {
		text = summarizeOrTruncate(x, or, m.log, text, lang)
	}
	return text, nil
}
