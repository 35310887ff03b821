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

// audioDurationDivisor estimates minutes-of-audio from megabytes, used
// only as a cheap pre-transcode sanity guard (§4.3).
const audioDurationDivisor = 1

// audioTranscript implements the audio branch of §4.3 against already
// downloaded bytes: guard the estimated duration, transcode to 16kHz mono
// WAV, run speech-to-text, normalize, and summarize-or-truncate if over
// the transcript ceiling.
func (m *mediaProcessor) audioTranscript(x context.Context, or *openRouterClient, a Attachment, data []byte, lang string) (string, error) {
	sizeMB := float64(len(data)) / (1024 * 1024)
	if estimatedMinutes := sizeMB / audioDurationDivisor; estimatedMinutes > float64(m.whisper.MaxDurationMinutes) {
		return "", &ImageTooLargeError{SizeMB: sizeMB, MaxMB: float64(m.cfg.MaxAudioSizeMB)}
	}
	wav, err := m.transcodeToWAV(x, data, extensionFor(kindAudio, a.MIME))
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
