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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCheckTime(t *testing.T) {
	hm, err := parseCheckTime("09:30")
	require.NoError(t, err)
	assert.Equal(t, [2]int{9, 30}, hm)

	_, err = parseCheckTime("24:00")
	assert.Error(t, err)
	_, err = parseCheckTime("9:30:00")
	assert.Error(t, err)
	_, err = parseCheckTime("not-a-time")
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	var c config
	c.applyDefaults()
	assert.EqualValues(t, 1500, c.OpenRouter.MaxTokens)
	assert.Equal(t, "https://openrouter.ai/api/v1", c.OpenRouter.BaseURL)
	assert.EqualValues(t, 10, c.Media.MaxSizeMB)
	assert.EqualValues(t, 50, c.Media.MaxAudioSizeMB)
	assert.EqualValues(t, 250, c.Media.MaxVideoSizeMB)
	assert.EqualValues(t, 2048, c.Media.ResizeMaxDimension)
	assert.Equal(t, "12:00", c.Balance.CheckTime)
	assert.Equal(t, 5.0, c.Balance.Threshold)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "base", c.Whisper.Model)
	assert.EqualValues(t, 10, c.Whisper.MaxDurationMinutes)
	assert.EqualValues(t, 60, c.Mastodon.BackfillPause)
}

func TestApplyDefaultsLeavesExplicitValues(t *testing.T) {
	c := config{}
	c.OpenRouter.MaxTokens = 500
	c.Balance.CheckTime = "03:15"
	c.applyDefaults()
	assert.EqualValues(t, 500, c.OpenRouter.MaxTokens)
	assert.Equal(t, "03:15", c.Balance.CheckTime)
}

func validConfig() config {
	var c config
	c.Mastodon.InstanceURL = "https://example.social"
	c.Mastodon.AccessToken = "tok"
	c.OpenRouter.APIKey = "key"
	c.OpenRouter.Model = "some/model"
	c.applyDefaults()
	return c
}

func TestConfigCheckRequiresFields(t *testing.T) {
	var c config
	c.applyDefaults()
	err := c.check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance_url")

	c = validConfig()
	require.NoError(t, c.check())
}

func TestConfigCheckFillsModelAliases(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.check())
	assert.Equal(t, c.OpenRouter.Model, c.OpenRouter.VisionModel)
	assert.Equal(t, c.OpenRouter.Model, c.OpenRouter.TextModel)
}

func TestConfigCheckRejectsOutOfRangeBackfill(t *testing.T) {
	c := validConfig()
	c.Mastodon.BackfillCount = 101
	assert.Error(t, c.check())

	c = validConfig()
	c.Mastodon.BackfillPause = 3601
	assert.Error(t, c.check())

	c = validConfig()
	c.Balance.CheckTime = "nope"
	assert.Error(t, c.check())
}

func TestLoadConfigFromExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alternator.json")
	require.NoError(t, os.WriteFile(path, []byte(Defaults), 0o600))

	// Defaults placeholder values fail required-field validation as-is;
	// patch the required fields in via env overrides instead of editing JSON.
	t.Setenv("ALTERNATOR_MASTODON_INSTANCE_URL", "https://example.social")
	t.Setenv("ALTERNATOR_MASTODON_ACCESS_TOKEN", "tok")
	t.Setenv("ALTERNATOR_OPENROUTER_API_KEY", "key")
	t.Setenv("ALTERNATOR_OPENROUTER_MODEL", "some/model")

	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.social", c.Mastodon.InstanceURL)
	assert.Equal(t, "tok", c.Mastodon.AccessToken)
	assert.Equal(t, "key", c.OpenRouter.APIKey)
	assert.EqualValues(t, 25, c.Mastodon.BackfillCount)
}

func TestLoadConfigMissingExplicitPathIsFatal(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}
