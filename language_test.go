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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLanguageEmptyDefaultsToEnglish(t *testing.T) {
	assert.Equal(t, "en", detectLanguage(""))
	assert.Equal(t, "en", detectLanguage("   \n  "))
}

func TestDetectLanguageScoresFunctionWords(t *testing.T) {
	assert.Equal(t, "de", detectLanguage("Der Hund und die Katze sind nicht im Garten"))
	assert.Equal(t, "fr", detectLanguage("le chat et la souris sont dans la maison que"))
	assert.Equal(t, "en", detectLanguage("the cat and the dog are in the house for me"))
}

func TestDetectLanguageTieFallsBackToEnglish(t *testing.T) {
	// Text with no scoring hits against any table falls through to "en".
	assert.Equal(t, "en", detectLanguage("xyzzy plugh qwerty"))
}

func TestNormalizeLanguageCode(t *testing.T) {
	assert.Equal(t, "de", normalizeLanguageCode("DE"))
	assert.Equal(t, "pt-br", normalizeLanguageCode("pt-BR"))
	assert.Equal(t, "pt", normalizeLanguageCode("pt-PT"))
	assert.Equal(t, "zh-cn", normalizeLanguageCode("zh-CN"))
	assert.Equal(t, "en", normalizeLanguageCode("xx-YY"))
	assert.Equal(t, "en", normalizeLanguageCode(""))
}

func TestSelectLanguagePrefersDeclared(t *testing.T) {
	d := newLanguageDetector()
	assert.Equal(t, "de", d.selectLanguage("de", "this is clearly english text for and the"))
}

func TestSelectLanguageFallsBackToDetection(t *testing.T) {
	d := newLanguageDetector()
	assert.Equal(t, "de", d.selectLanguage("", "Der Hund und die Katze sind nicht im Garten"))
}

func TestPromptForKnownAndUnknownLanguage(t *testing.T) {
	p, err := promptFor("de", "mistralai/mistral-small")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, promptTemplates["de"]))
	assert.Contains(t, p, "mistralai/mistral-small")

	p2, err := promptFor("zz", "some-model")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p2, promptTemplates["en"]))
}

func TestSummarizationPromptPreservesLanguage(t *testing.T) {
	p := summarizationPrompt("hello world", "de")
	assert.Contains(t, p, "de")
	assert.Contains(t, p, "hello world")
}
