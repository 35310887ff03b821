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
	"strconv"
	"time"
)

// Sentinel errors that carry no payload. These are compared with 'errors.Is'.
var (
	ErrRaceCondition     = errors.New("race condition detected: toot was modified")
	ErrMediaNotFound     = errors.New("media attachment not found")
	ErrTootNotFound      = errors.New("toot not found")
	ErrUserVerification  = errors.New("user verification failed")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrInvalidTootData   = errors.New("invalid toot data")
	ErrShutdown          = errors.New("shutdown requested")
	ErrNoSpeech          = errors.New("media processing failed: no speech detected")
	ErrInvalidImageData  = errors.New("invalid image data")
)

// RateLimitError is returned by C1 and C2 when the remote server responds
// with HTTP 429. RetryAfter is the number of seconds the caller must wait
// before retrying, taken from the 'Retry-After' header or defaulted to 60.
type RateLimitError struct {
	_          [0]func()
	Source     string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return e.Source + ` rate limit exceeded, retry after ` + strconv.Itoa(e.RetryAfter) + ` seconds`
}

// ProviderFailureError represents an intermittent failure reported by the
// description provider (C2) that is not a rate limit, auth, or balance
// failure, but is still recoverable with backoff (§4.2).
type ProviderFailureError struct {
	_        [0]func()
	Provider string
	Message  string
}

func (e *ProviderFailureError) Error() string {
	return e.Provider + ` provider failure: ` + e.Message
}

// APIRequestError wraps a non-2xx HTTP response from either C1 or C2 that
// does not map to a more specific typed error.
type APIRequestError struct {
	_      [0]func()
	Source string
	Status int
	Body   string
}

func (e *APIRequestError) Error() string {
	return e.Source + ` API request failed (` + strconv.Itoa(e.Status) + `): ` + e.Body
}

// TokenLimitError is returned when the description provider reports the
// prompt/response exceeded the configured token budget. It demotes to a
// per-attachment skip rather than aborting the whole event (§4.5 step 6).
type TokenLimitError struct {
	_         [0]func()
	TokensUsed int
	MaxTokens  int
}

func (e *TokenLimitError) Error() string {
	return `token limit exceeded: ` + strconv.Itoa(e.TokensUsed) + `/` + strconv.Itoa(e.MaxTokens)
}

// InsufficientBalanceError is returned when the provider rejects a request
// due to account balance below what the request would cost. Non-recoverable.
type InsufficientBalanceError struct {
	_       [0]func()
	Balance float64
	Minimum float64
}

func (e *InsufficientBalanceError) Error() string {
	return `insufficient balance: $` + strconv.FormatFloat(e.Balance, 'f', 2, 64) +
		` (minimum: $` + strconv.FormatFloat(e.Minimum, 'f', 2, 64) + `)`
}

// ImageTooLargeError is raised by the local size guards in C2
// (describeImage) and C3 (prepareImageForVision) before any network call
// is made, and by C3's audio/video duration-estimate guards. C3 resizes
// over-dimension images instead of rejecting them, so the pipeline never
// produces the ByDim form.
type ImageTooLargeError struct {
	_         [0]func()
	SizeMB    float64
	MaxMB     float64
	Width     int
	Height    int
	MaxDim    int
	ByDim     bool
}

func (e *ImageTooLargeError) Error() string {
	if e.ByDim {
		return `image too large: ` + strconv.Itoa(e.Width) + `x` + strconv.Itoa(e.Height) +
			` (max dimension: ` + strconv.Itoa(e.MaxDim) + `)`
	}
	return `image too large: ` + strconv.FormatFloat(e.SizeMB, 'f', 1, 64) +
		`MB (max: ` + strconv.FormatFloat(e.MaxMB, 'f', 1, 64) + `MB)`
}

// UnsupportedTypeError is raised when an attachment's MIME type has no
// handler in the media pipeline (C3).
type UnsupportedTypeError struct {
	_        [0]func()
	MediaType string
}

func (e *UnsupportedTypeError) Error() string {
	return `unsupported media type: ` + e.MediaType
}

// DownloadFailedError wraps a failed attachment download, keeping the
// source URL for diagnostics without leaking it into higher-level logs at
// error severity more than once.
type DownloadFailedError struct {
	_   [0]func()
	URL string
	Err error
}

func (e *DownloadFailedError) Error() string {
	return `media download failed "` + e.URL + `": ` + e.Err.Error()
}
func (e *DownloadFailedError) Unwrap() error { return e.Err }

// isRecoverable reports whether an error should be retried with backoff
// rather than abandoned. Mirrors the taxonomy in spec.md §7.
func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var pf *ProviderFailureError
	if errors.As(err, &pf) {
		return true
	}
	var ar *APIRequestError
	if errors.As(err, &ar) {
		return true
	}
	switch {
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrUserVerification):
		return false
	}
	var tl *TokenLimitError
	if errors.As(err, &tl) {
		return false
	}
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return false
	}
	return false
}

// shouldShutdown reports whether an error is fatal to the whole process
// (spec.md §7 "Fatal / shutdown").
func shouldShutdown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrShutdown) || errors.Is(err, ErrAuthFailed) {
		return true
	}
	return false
}

// retryDelay returns the recommended delay before attempt number 'attempt'
// (0-indexed) for the given error, per the per-category table in spec.md
// §4.2 and §4.1's reconnect policy. Capped at 30s for provider errors per
// §4.2, 60s for connection-level errors per §9's reconnect state machine.
func retryDelay(err error, attempt int, base time.Duration, cap time.Duration) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return time.Duration(rl.RetryAfter) * time.Second
	}
	if attempt > 6 {
		attempt = 6
	}
	var pf *ProviderFailureError
	if errors.As(err, &pf) && base < 2*time.Second {
		base = 2 * time.Second
	}
	d := base << uint(attempt)
	if d > cap {
		d = cap
	}
	return d
}
