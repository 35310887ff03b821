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
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/PurpleSec/logx"
	"github.com/cenkalti/backoff/v5"
)

const (
	spacingInterval  = 200 * time.Millisecond
	imageSizeMaxMB   = 10
	visionMaxRetries = 2
	textMaxRetries   = 3
)

// openRouterClient is C2, the Description Provider Client: vision prompt,
// text prompt, balance query and model listing against an
// OpenRouter-compatible chat-completion API, built on the teacher's
// api/apiReader JSON-HTTP pattern (blue.go) plus a rate limiter and retry
// policy the teacher doesn't need (a single-account poster has no remote
// LLM calls to throttle).
type openRouterClient struct {
	_       [0]func()
	log     logx.Log
	http    *http.Client
	base    string
	apiKey  string
	vision  string
	visionFB string
	text    string
	textFB  string
	maxTok  uint32
	gate    *requestGate
}

func newOpenRouterClient(c *config, l logx.Log) *openRouterClient {
	return &openRouterClient{
		log:      l,
		http:     &http.Client{Timeout: 60 * time.Second},
		base:     c.OpenRouter.BaseURL,
		apiKey:   c.OpenRouter.APIKey,
		vision:   c.OpenRouter.VisionModel,
		visionFB: c.OpenRouter.VisionFallbackModel,
		text:     c.OpenRouter.TextModel,
		textFB:   c.OpenRouter.TextFallbackModel,
		maxTok:   c.OpenRouter.MaxTokens,
		gate:     newRequestGate(),
	}
}

type chatMessage struct {
	Role    string         `json:"role"`
	Content []chatContent  `json:"content"`
}
type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}
type chatImageURL struct {
	URL string `json:"url"`
}
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens uint32        `json:"max_tokens"`
}
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// describeImage requests a vision description of the given image bytes
// (already normalized by C3) using the configured prompt (§4.2).
func (o *openRouterClient) describeImage(x context.Context, data []byte, prompt string) (string, error) {
	if len(data) > imageSizeMaxMB*1024*1024 {
		return "", &ImageTooLargeError{SizeMB: float64(len(data)) / (1024 * 1024), MaxMB: imageSizeMaxMB}
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	req := chatRequest{
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: o.maxTok,
	}
	return o.completeWithFallback(x, "vision", o.vision, o.visionFB, req, visionMaxRetries)
}

// processText requests a text completion (used for language summarization
// and could be reused by future text-only flows) (§4.2).
func (o *openRouterClient) processText(x context.Context, prompt string) (string, error) {
	req := chatRequest{
		Messages: []chatMessage{{Role: "user", Content: []chatContent{{Type: "text", Text: prompt}}}},
		MaxTokens: o.maxTok,
	}
	return o.completeWithFallback(x, "text", o.text, o.textFB, req, textMaxRetries)
}

// completeWithFallback retries the primary model per the retry policy
// table (§4.2); if the primary still ends in a provider failure (a 5xx
// response or an error object in the response body), it switches once to
// the configured fallback model, which gets the same retry policy
// (SPEC_FULL.md §C.9). Other failures are returned without a fallback.
func (o *openRouterClient) completeWithFallback(x context.Context, kind, model, fallback string, req chatRequest, maxRetries int) (string, error) {
	req.Model = model
	text, err := o.complete(x, req, maxRetries)
	if err == nil || len(fallback) == 0 || fallback == model {
		return text, err
	}
	var ar *APIRequestError
	var pf *ProviderFailureError
	if !errors.As(err, &pf) && (!errors.As(err, &ar) || ar.Status < 500) {
		return text, err
	}
	o.log.Warning("OpenRouter %s model %q unavailable, retrying with fallback %q..", kind, model, fallback)
	req.Model = fallback
	return o.complete(x, req, maxRetries)
}

// categoryRetryCap returns the retry cap for err's category (§4.2):
// RateLimit and ProviderFailure get up to 3 retries (4 sends in all)
// regardless of the caller's generic per-kind cap (vision calls otherwise
// cap at 2 retries).
func categoryRetryCap(err error, maxRetries int) int {
	var rl *RateLimitError
	var pf *ProviderFailureError
	if (errors.As(err, &rl) || errors.As(err, &pf)) && maxRetries < 3 {
		return 3
	}
	return maxRetries
}

// complete performs one chat-completion call with the per-category retry
// policy (§4.2): RateLimit honors the exact retry_after; ProviderFailure
// backs off 2s*2^attempt; generic non-2xx backs off 1s*2^attempt; auth,
// balance and token-limit failures are not retried.
func (o *openRouterClient) complete(x context.Context, req chatRequest, maxRetries int) (string, error) {
	b := &openRouterBackOff{}
	attempts := 0
	op := func() (string, error) {
		text, err := o.send(x, req)
		if err == nil {
			return text, nil
		}
		if !isRecoverable(err) {
			return "", backoff.Permanent(err)
		}
		if attempts >= categoryRetryCap(err, maxRetries) {
			return "", backoff.Permanent(err)
		}
		attempts++
		b.lastErr = err
		return "", err
	}
	ceiling := maxRetries
	if ceiling < 3 {
		ceiling = 3
	}
	result, err := backoff.Retry(x, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(ceiling+1)))
	return result, err
}

// openRouterBackOff implements backoff.BackOff, deferring to retryDelay
// for the exact per-error-category delay (§4.2), since the delay depends
// on which typed error the previous attempt returned, not a fixed curve.
type openRouterBackOff struct {
	_       [0]func()
	attempt int
	lastErr error
}

func (b *openRouterBackOff) NextBackOff() time.Duration {
	d := retryDelay(b.lastErr, b.attempt, time.Second, 30*time.Second)
	b.attempt++
	return d
}

func (b *openRouterBackOff) Reset() { b.attempt = 0 }

func (o *openRouterClient) send(x context.Context, req chatRequest) (string, error) {
	release, err := o.gate.acquire(x)
	if err != nil {
		return "", err
	}
	defer release()
	var body bytes.Buffer
	if err = json.NewEncoder(&body).Encode(req); err != nil {
		return "", err
	}
	r, err := http.NewRequestWithContext(x, http.MethodPost, o.base+"/chat/completions", &body)
	if err != nil {
		return "", err
	}
	o.setHeaders(r)
	resp, err := o.http.Do(r)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 60
		if ra := resp.Header.Get("Retry-After"); len(ra) > 0 {
			if n, perr := strconv.Atoi(ra); perr == nil {
				retryAfter = n
			}
		}
		return "", &RateLimitError{Source: "openrouter", RetryAfter: retryAfter}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrAuthFailed
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return "", &InsufficientBalanceError{}
	}
	if resp.StatusCode >= 500 {
		return "", &ProviderFailureError{Provider: "openrouter", Message: string(raw)}
	}
	if resp.StatusCode >= 300 {
		return "", &APIRequestError{Source: "openrouter", Status: resp.StatusCode, Body: string(raw)}
	}
	var cr chatResponse
	if err = json.Unmarshal(raw, &cr); err != nil {
		return "", err
	}
	if cr.Error != nil {
		if cr.Error.Code == http.StatusRequestEntityTooLarge || cr.Usage.TotalTokens > int(o.maxTok) {
			return "", &TokenLimitError{TokensUsed: cr.Usage.TotalTokens, MaxTokens: int(o.maxTok)}
		}
		return "", &ProviderFailureError{Provider: "openrouter", Message: cr.Error.Message}
	}
	if len(cr.Choices) == 0 || len(cr.Choices[0].Message.Content) == 0 {
		return "", errors.New("openrouter returned an empty response")
	}
	return cr.Choices[0].Message.Content, nil
}

func (o *openRouterClient) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+o.apiKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("HTTP-Referer", "https://github.com/rmoriz/alternator")
	r.Header.Set("X-Title", "Alternator")
}

// getBalance is implemented against GET /auth/key, OpenRouter's
// key-introspection endpoint, since there is no dedicated balance
// endpoint (SPEC_FULL.md §C.7).
func (o *openRouterClient) getBalance(x context.Context) (float64, error) {
	var out struct {
		Data struct {
			Limit *float64 `json:"limit"`
			Usage float64  `json:"usage"`
		} `json:"data"`
	}
	if err := o.get(x, "/auth/key", &out); err != nil {
		return 0, err
	}
	if out.Data.Limit == nil {
		return -1, nil
	}
	return *out.Data.Limit - out.Data.Usage, nil
}

// listModels returns the available model ids (§4.2).
func (o *openRouterClient) listModels(x context.Context) ([]string, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := o.get(x, "/models", &out); err != nil {
		return nil, err
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (o *openRouterClient) get(x context.Context, path string, output interface{}) error {
	r, err := http.NewRequestWithContext(x, http.MethodGet, o.base+path, nil)
	if err != nil {
		return err
	}
	o.setHeaders(r)
	resp, err := o.http.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthFailed
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &APIRequestError{Source: "openrouter", Status: resp.StatusCode, Body: string(raw)}
	}
	return json.NewDecoder(resp.Body).Decode(output)
}
