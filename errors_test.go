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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRecoverable(t *testing.T) {
	assert.True(t, isRecoverable(&RateLimitError{Source: "openrouter", RetryAfter: 30}))
	assert.True(t, isRecoverable(&ProviderFailureError{Provider: "openrouter", Message: "boom"}))
	assert.True(t, isRecoverable(&APIRequestError{Source: "mastodon", Status: 503}))
	assert.False(t, isRecoverable(ErrAuthFailed))
	assert.False(t, isRecoverable(ErrUserVerification))
	assert.False(t, isRecoverable(&TokenLimitError{TokensUsed: 10, MaxTokens: 5}))
	assert.False(t, isRecoverable(&InsufficientBalanceError{Balance: 0, Minimum: 5}))
	assert.False(t, isRecoverable(errors.New("some other unrelated error")))
	assert.False(t, isRecoverable(nil))
}

func TestShouldShutdown(t *testing.T) {
	assert.True(t, shouldShutdown(ErrShutdown))
	assert.True(t, shouldShutdown(ErrAuthFailed))
	assert.False(t, shouldShutdown(ErrMediaNotFound))
	assert.False(t, shouldShutdown(nil))
}

func TestRetryDelayRateLimit(t *testing.T) {
	err := &RateLimitError{Source: "openrouter", RetryAfter: 17}
	d := retryDelay(err, 0, time.Second, 30*time.Second)
	assert.Equal(t, 17*time.Second, d)
}

func TestRetryDelayExponentialWithCap(t *testing.T) {
	err := &ProviderFailureError{Provider: "openrouter", Message: "x"}
	// ProviderFailure raises the 1s base to 2s
	assert.Equal(t, 2*time.Second, retryDelay(err, 0, time.Second, 30*time.Second))
	assert.Equal(t, 4*time.Second, retryDelay(err, 1, time.Second, 30*time.Second))
	assert.Equal(t, 8*time.Second, retryDelay(err, 2, time.Second, 30*time.Second))
	// attempt clamps at 6 and the result clamps at cap
	assert.Equal(t, 30*time.Second, retryDelay(err, 20, time.Second, 30*time.Second))
}

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&RateLimitError{Source: "mastodon", RetryAfter: 5}).Error(), "mastodon")
	assert.Contains(t, (&APIRequestError{Source: "openrouter", Status: 500, Body: "oops"}).Error(), "500")
	assert.Contains(t, (&TokenLimitError{TokensUsed: 100, MaxTokens: 50}).Error(), "100/50")
	assert.Contains(t, (&InsufficientBalanceError{Balance: 1.5, Minimum: 5}).Error(), "1.50")
	assert.Contains(t, (&ImageTooLargeError{SizeMB: 12, MaxMB: 10}).Error(), "12.0MB")
	assert.Contains(t, (&ImageTooLargeError{ByDim: true, Width: 5000, Height: 3000, MaxDim: 2048}).Error(), "5000x3000")
	assert.Contains(t, (&UnsupportedTypeError{MediaType: "application/pdf"}).Error(), "application/pdf")

	wrapped := &DownloadFailedError{URL: "https://example.invalid/a.png", Err: errors.New("timeout")}
	assert.Contains(t, wrapped.Error(), "timeout")
	assert.Equal(t, "timeout", errors.Unwrap(wrapped).Error())
}
