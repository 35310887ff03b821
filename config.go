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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Defaults is a string representation of a JSON formatted default
// configuration for an Alternator instance.
const Defaults = `{
    "mastodon": {
        "instance_url": "https://<instance_url>",
        "access_token": "access_token_value",
        "user_stream": true,
        "backfill_count": 25,
        "backfill_pause": 60
    },
    "openrouter": {
        "api_key": "api_key_value",
        "model": "mistralai/mistral-small-3.2-24b-instruct:free",
        "vision_model": "mistralai/mistral-small-3.2-24b-instruct:free",
        "vision_fallback_model": "mistralai/mistral-small-3.2-24b-instruct:free",
        "text_model": "mistralai/mistral-small-3.2-24b-instruct:free",
        "text_fallback_model": "mistralai/mistral-small-3.2-24b-instruct:free",
        "base_url": "https://openrouter.ai/api/v1",
        "max_tokens": 1500
    },
    "media": {
        "max_size_mb": 10,
        "max_audio_size_mb": 50,
        "max_video_size_mb": 250,
        "resize_max_dimension": 2048
    },
    "balance": {
        "enabled": true,
        "threshold": 5.0,
        "check_time": "12:00"
    },
    "logging": {
        "level": "info",
        "file": ""
    },
    "whisper": {
        "enabled": false,
        "model": "base",
        "model_dir": "",
        "language": "",
        "max_duration_minutes": 10
    }
}
`

// config is the root JSON configuration document, following the teacher's
// plain-JSON-struct-with-check() idiom rather than the original's TOML.
type config struct {
	Mastodon   mastodonConfig   `json:"mastodon"`
	OpenRouter openRouterConfig `json:"openrouter"`
	Media      mediaConfig      `json:"media"`
	Balance    balanceConfig    `json:"balance"`
	Logging    loggingConfig    `json:"logging"`
	Whisper    whisperConfig    `json:"whisper"`
}
type mastodonConfig struct {
	InstanceURL   string `json:"instance_url"`
	AccessToken   string `json:"access_token"`
	UserStream    bool   `json:"user_stream"`
	BackfillCount uint32 `json:"backfill_count"`
	BackfillPause uint64 `json:"backfill_pause"`
}
type openRouterConfig struct {
	APIKey              string `json:"api_key"`
	Model               string `json:"model"`
	VisionModel         string `json:"vision_model"`
	VisionFallbackModel string `json:"vision_fallback_model"`
	TextModel           string `json:"text_model"`
	TextFallbackModel   string `json:"text_fallback_model"`
	BaseURL             string `json:"base_url"`
	MaxTokens           uint32 `json:"max_tokens"`
}
type mediaConfig struct {
	MaxSizeMB          uint32 `json:"max_size_mb"`
	MaxAudioSizeMB     uint32 `json:"max_audio_size_mb"`
	MaxVideoSizeMB     uint32 `json:"max_video_size_mb"`
	ResizeMaxDimension uint32 `json:"resize_max_dimension"`
}
type balanceConfig struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
	CheckTime string  `json:"check_time"`
}
type loggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}
type whisperConfig struct {
	Enabled            bool   `json:"enabled"`
	Model              string `json:"model"`
	ModelDir           string `json:"model_dir"`
	Language           string `json:"language"`
	MaxDurationMinutes uint32 `json:"max_duration_minutes"`
}

// applyDefaults fills zero-valued optional fields per spec.md §6's default
// table. Required fields (instance_url, access_token, api_key, model ids)
// are left as-is so 'check' can reject a config missing them.
func (c *config) applyDefaults() {
	if c.OpenRouter.MaxTokens == 0 {
		c.OpenRouter.MaxTokens = 1500
	}
	if len(c.OpenRouter.BaseURL) == 0 {
		c.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Media.MaxSizeMB == 0 {
		c.Media.MaxSizeMB = 10
	}
	if c.Media.MaxAudioSizeMB == 0 {
		c.Media.MaxAudioSizeMB = 50
	}
	if c.Media.MaxVideoSizeMB == 0 {
		c.Media.MaxVideoSizeMB = 250
	}
	if c.Media.ResizeMaxDimension == 0 {
		c.Media.ResizeMaxDimension = 2048
	}
	if len(c.Balance.CheckTime) == 0 {
		c.Balance.CheckTime = "12:00"
	}
	if c.Balance.Threshold == 0 {
		c.Balance.Threshold = 5.0
	}
	if len(c.Logging.Level) == 0 {
		c.Logging.Level = "info"
	}
	if len(c.Whisper.Model) == 0 {
		c.Whisper.Model = "base"
	}
	if c.Whisper.MaxDurationMinutes == 0 {
		c.Whisper.MaxDurationMinutes = 10
	}
	if c.Mastodon.BackfillPause == 0 {
		c.Mastodon.BackfillPause = 60
	}
}

// check validates the required configuration surface named in spec.md §6.
func (c *config) check() error {
	if len(c.Mastodon.InstanceURL) == 0 {
		return errors.New(`missing required configuration: "mastodon"->"instance_url"`)
	}
	if len(c.Mastodon.AccessToken) == 0 {
		return errors.New(`missing required configuration: "mastodon"->"access_token"`)
	}
	if len(c.OpenRouter.APIKey) == 0 {
		return errors.New(`missing required configuration: "openrouter"->"api_key"`)
	}
	if len(c.OpenRouter.Model) == 0 {
		return errors.New(`missing required configuration: "openrouter"->"model"`)
	}
	if len(c.OpenRouter.VisionModel) == 0 {
		c.OpenRouter.VisionModel = c.OpenRouter.Model
	}
	if len(c.OpenRouter.TextModel) == 0 {
		c.OpenRouter.TextModel = c.OpenRouter.Model
	}
	if c.Mastodon.BackfillCount > 100 {
		return errors.New(`invalid configuration value: "mastodon"->"backfill_count" (` + strconv.Itoa(int(c.Mastodon.BackfillCount)) + `) exceeds maximum of 100`)
	}
	if c.Mastodon.BackfillPause > 3600 {
		return errors.New(`invalid configuration value: "mastodon"->"backfill_pause" (` + strconv.FormatUint(c.Mastodon.BackfillPause, 10) + `) exceeds maximum of 3600`)
	}
	if _, err := parseCheckTime(c.Balance.CheckTime); err != nil {
		return errors.New(`invalid configuration value: "balance"->"check_time": ` + err.Error())
	}
	return nil
}

// loadConfig resolves the configuration search order from spec.md §6:
// explicit path -> ./alternator.json -> $XDG_CONFIG_HOME/alternator/alternator.json
// (falling back to $HOME/.config), then applies environment variable
// overrides for the required surface, defaults for everything else, and
// validates the result.
func loadConfig(path string) (*config, error) {
	var c config
	if f, err := findConfigFile(path); err == nil {
		j, rerr := os.ReadFile(f)
		if rerr != nil {
			return nil, errors.New(`reading config "` + f + `" failed: ` + rerr.Error())
		}
		if derr := json.Unmarshal(j, &c); derr != nil {
			return nil, errors.New(`parsing config "` + f + `" failed: ` + derr.Error())
		}
	} else if len(path) > 0 {
		// An explicitly requested path that doesn't exist is fatal; a
		// missing default/XDG path just means "use env vars only".
		return nil, err
	}
	applyEnvOverrides(&c)
	c.applyDefaults()
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

// findConfigFile implements the three-tier search order.
func findConfigFile(path string) (string, error) {
	if len(path) > 0 {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	if _, err := os.Stat("alternator.json"); err == nil {
		return "alternator.json", nil
	}
	d := os.Getenv("XDG_CONFIG_HOME")
	if len(d) == 0 {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("no config file found and $HOME is unset")
		}
		d = filepath.Join(h, ".config")
	}
	p := filepath.Join(d, "alternator", "alternator.json")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", errors.New("no config file found in search path")
}

// applyEnvOverrides fills the required fields from the environment when
// present, following the naming in spec.md §6.
func applyEnvOverrides(c *config) {
	if v := os.Getenv("ALTERNATOR_MASTODON_INSTANCE_URL"); len(v) > 0 {
		c.Mastodon.InstanceURL = v
	}
	if v := os.Getenv("ALTERNATOR_MASTODON_ACCESS_TOKEN"); len(v) > 0 {
		c.Mastodon.AccessToken = v
	}
	if v := os.Getenv("ALTERNATOR_OPENROUTER_API_KEY"); len(v) > 0 {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("ALTERNATOR_OPENROUTER_MODEL"); len(v) > 0 {
		c.OpenRouter.Model = v
	}
	if v := os.Getenv("ALTERNATOR_LOGGING_LEVEL"); len(v) > 0 {
		c.Logging.Level = v
	}
}

// parseCheckTime parses an "HH:MM" string, returning the hour and minute.
// Shared by config validation and the balance monitor (C7).
func parseCheckTime(s string) (hm [2]int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return hm, errors.New(`invalid check time format: "` + s + `"`)
	}
	h, herr := strconv.Atoi(parts[0])
	m, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || h < 0 || h >= 24 || m < 0 || m >= 60 {
		return hm, errors.New(`invalid check time format: "` + s + `"`)
	}
	return [2]int{h, m}, nil
}
