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
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// whisperWorker is the process-singleton speech-to-text resource (§5,
// §9 "Singletons"): the model path and binary are resolved once, guarded
// by sync.Once rather than an ambient global. whisper.cpp's CLI is
// stateless per invocation (no long-lived server process to hold open),
// so "loaded once" here means "resolved once"; each transcribe() call
// still shells out, but skips re-resolving paths/binary. Resolution runs
// lazily on the first transcribe() call; if it fails, the error is kept
// and every later transcribe() returns it without invoking the binary, so
// the attachment is skipped while the rest of the service keeps running.
type whisperWorker struct {
	_       [0]func()
	cfg     *whisperConfig
	once    sync.Once
	binPath string
	model   string
	initErr error
}

func newWhisperWorker(cfg *whisperConfig) *whisperWorker {
	return &whisperWorker{cfg: cfg}
}

// ensureInit resolves the whisper binary and model file path, per
// SPEC_FULL.md §C.8's three-tier model directory search order:
// $ALTERNATOR_WHISPER_MODEL_DIR -> config.whisper.model_dir -> ~/.alternator/models/,
// with the model file named ggml-{model}.bin.
func (w *whisperWorker) ensureInit() error {
	w.once.Do(func() {
		bin, err := exec.LookPath("whisper-cli")
		if err != nil {
			bin, err = exec.LookPath("whisper")
		}
		if err != nil {
			w.initErr = errors.New("whisper binary not found on PATH")
			return
		}
		w.binPath = bin
		dir := os.Getenv("ALTERNATOR_WHISPER_MODEL_DIR")
		if len(dir) == 0 {
			dir = w.cfg.ModelDir
		}
		if len(dir) == 0 {
			if home, herr := os.UserHomeDir(); herr == nil {
				dir = filepath.Join(home, ".alternator", "models")
			}
		}
		name := "ggml-" + w.cfg.Model + ".bin"
		path := filepath.Join(dir, name)
		if _, serr := os.Stat(path); serr != nil {
			w.initErr = errors.New(`whisper model "` + path + `" not found`)
			return
		}
		w.model = path
	})
	return w.initErr
}

// transcribe runs speech-to-text over 16kHz mono PCM WAV bytes, returning
// raw (not yet normalized) text. language, when non-empty, forces
// detection to a specific language instead of auto-detecting.
func (w *whisperWorker) transcribe(x context.Context, wav []byte, language string) (string, error) {
	if err := w.ensureInit(); err != nil {
		return "", err
	}
	in, err := os.CreateTemp("", "alternator-audio-*.wav")
	if err != nil {
		return "", err
	}
	defer os.Remove(in.Name())
	if _, err = in.Write(wav); err != nil {
		in.Close()
		return "", err
	}
	in.Close()
	outBase := in.Name()
	args := []string{"-m", w.model, "-f", in.Name(), "-otxt", "-of", outBase, "-np"}
	if len(language) > 0 {
		args = append(args, "-l", language)
	} else {
		args = append(args, "-l", "auto")
	}
	cmd := exec.CommandContext(x, w.binPath, args...)
	if err = cmd.Run(); err != nil {
		return "", errors.New("whisper invocation failed: " + err.Error())
	}
	defer os.Remove(outBase + ".txt")
	text, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return "", errors.New("whisper produced no output: " + err.Error())
	}
	return string(text), nil
}
