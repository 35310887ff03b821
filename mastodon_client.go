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
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PurpleSec/logx"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-mastodon"
)

const userAgent = "Alternator/1.0"

// socialClient is C1, the Social Client. It owns the authenticated
// user-event stream plus the REST operations the Toot Handler (C5) and
// Replacement Protocol (C6) need. REST calls are implemented as a thin
// JSON-over-HTTP layer modeled on the teacher's blueClient.api/apiReader
// (blue.go), since go-mastodon's typed client predates status editing,
// status-source and conditional media delete; the streaming socket is
// likewise read and framed directly (§4.1's wire-level wrapper frame)
// rather than through go-mastodon's own stream parser, for the same
// reason — every endpoint this component needs is exercised uniformly
// through one HTTP/WebSocket path instead of splitting across two.
type socialClient struct {
	_         [0]func()
	log       logx.Log
	http      *http.Client
	base      string
	token     string
	accountID string
	mu        sync.Mutex
	conn      *websocket.Conn
	backoff   *connectBackoff
}

func newSocialClient(c *config, l logx.Log) (*socialClient, error) {
	base := strings.TrimRight(c.Mastodon.InstanceURL, "/")
	if !strings.HasPrefix(base, "http") {
		return nil, errors.New(`mastodon.instance_url "` + base + `" must include a scheme`)
	}
	return &socialClient{
		log:     l,
		http:    &http.Client{Timeout: 60 * time.Second},
		base:    base,
		token:   c.Mastodon.AccessToken,
		backoff: newStreamBackoff(),
	}, nil
}

// connect verifies credentials and caches accountID, then opens the
// authenticated user-event stream, resolving server-side redirects first
// (§4.1).
func (s *socialClient) connect(x context.Context) error {
	var acct struct {
		ID string `json:"id"`
	}
	if err := s.api(x, http.MethodGet, "/api/v1/accounts/verify_credentials", nil, &acct); err != nil {
		return errors.New("credential verification failed: " + err.Error())
	}
	if len(acct.ID) == 0 {
		return ErrUserVerification
	}
	s.accountID = acct.ID
	return s.dial(x)
}

// dial resolves the streaming endpoint's redirect target and opens the
// websocket, per §6: HEAD-follow `/api/v1/streaming?...`, swap http(s) for
// ws(s).
func (s *socialClient) dial(x context.Context) error {
	target, err := s.resolveStreamURL(x)
	if err != nil {
		return errors.New("stream resolution failed: " + err.Error())
	}
	h := http.Header{"User-Agent": []string{userAgent}}
	c, _, err := websocket.DefaultDialer.DialContext(x, target, h)
	if err != nil {
		return errors.New("stream dial failed: " + err.Error())
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	return nil
}

func (s *socialClient) resolveStreamURL(x context.Context) (string, error) {
	u := s.base + "/api/v1/streaming?access_token=" + url.QueryEscape(s.token) + "&stream=user"
	c := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	r, err := http.NewRequestWithContext(x, http.MethodHead, u, nil)
	if err != nil {
		return "", err
	}
	o, err := c.Do(r)
	if err != nil {
		return "", err
	}
	o.Body.Close()
	if loc := o.Header.Get("Location"); len(loc) > 0 {
		u = loc
	}
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u, nil
}

// nextEvent yields the next StreamEvent, transparently reconnecting with
// exponential backoff on drop, close, or transport error (§4.1). The
// backoff counter resets to zero on a clean parse of one event.
func (s *socialClient) nextEvent(x context.Context) (StreamEvent, error) {
	for {
		s.mu.Lock()
		c := s.conn
		s.mu.Unlock()
		if c == nil {
			if err := s.reconnect(x); err != nil {
				return StreamEvent{}, err
			}
			continue
		}
		_, raw, err := c.ReadMessage()
		if err != nil {
			s.log.Warning("Stream read failed, reconnecting: %s", err.Error())
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			if err2 := s.reconnect(x); err2 != nil {
				return StreamEvent{}, err2
			}
			continue
		}
		ev, derr := decodeFrame(raw)
		if derr != nil {
			s.log.Debug("Stream frame decode failed: %s", derr.Error())
			continue
		}
		s.backoff.reset()
		if ev.Kind == eventUpdate || ev.Kind == eventEdit {
			if ev.Post != nil && len(ev.Post.AccountID) == 0 {
				ev.Post.AccountID = s.accountID
			}
		}
		return ev, nil
	}
}

// reconnect waits out the current backoff delay then redials, counting
// the attempt. Returns an error once the attempt cap (10, §4.1) is hit.
func (s *socialClient) reconnect(x context.Context) error {
	if s.backoff.exhausted() {
		return ErrShutdown
	}
	d := s.backoff.delay()
	s.backoff.fail()
	s.log.Debug("Reconnecting stream in %s (attempt %d)..", d.String(), s.backoff.attempt)
	select {
	case <-x.Done():
		return x.Err()
	case <-time.After(d):
	}
	return s.dial(x)
}

// getPost fetches the current server-side Post state (§4.1).
func (s *socialClient) getPost(x context.Context, id string) (*Post, error) {
	var st mastodon.Status
	if err := s.api(x, http.MethodGet, "/api/v1/statuses/"+id, nil, &st); err != nil {
		return nil, err
	}
	if len(st.ID) == 0 {
		return nil, ErrTootNotFound
	}
	return decodeStatus(&st, false), nil
}

// getSource fetches {plain_text, spoiler_text} as authored (§4.1).
func (s *socialClient) getSource(x context.Context, id string) (plainText, spoiler string, err error) {
	var src struct {
		Text        string `json:"text"`
		SpoilerText string `json:"spoiler_text"`
	}
	if err = s.api(x, http.MethodGet, "/api/v1/statuses/"+id+"/source", nil, &src); err != nil {
		return "", "", err
	}
	return src.Text, src.SpoilerText, nil
}

// uploadMedia uploads bytes with a description attached at creation time,
// returning the new attachment id (§4.1).
func (s *socialClient) uploadMedia(x context.Context, data []byte, description, filename, mimeType string) (string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err = part.Write(data); err != nil {
		return "", err
	}
	if len(description) > 0 {
		if err = w.WriteField("description", description); err != nil {
			return "", err
		}
	}
	if err = w.Close(); err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err = s.apiReader(x, http.MethodPost, "/api/v2/media", w.FormDataContentType(), &b, &out); err != nil {
		return "", err
	}
	if len(out.ID) == 0 {
		return "", errors.New("media upload returned no id")
	}
	return out.ID, nil
}

// editParams carries the fields edit_status may update (§4.1).
type editParams struct {
	postID      string
	text        string
	spoiler     string
	sensitive   bool
	visibility  string
	language    string
	inReplyTo   string
	mediaIDs    []string
}

// editStatus replaces the post's media list and metadata atomically from
// the server's perspective (§4.1). Metadata fields are included only when
// non-default, to minimize perturbation (§6).
func (s *socialClient) editStatus(x context.Context, p editParams) error {
	v := url.Values{}
	v.Set("status", p.text)
	for _, id := range p.mediaIDs {
		v.Add("media_ids[]", id)
	}
	if len(p.spoiler) > 0 {
		v.Set("spoiler_text", p.spoiler)
	}
	if p.sensitive {
		v.Set("sensitive", "true")
	}
	if len(p.visibility) > 0 {
		v.Set("visibility", p.visibility)
	}
	if len(p.language) > 0 {
		v.Set("language", p.language)
	}
	if len(p.inReplyTo) > 0 {
		v.Set("in_reply_to_id", p.inReplyTo)
	}
	var out struct{}
	err := s.apiReader(x, http.MethodPut, "/api/v1/statuses/"+p.postID, "application/x-www-form-urlencoded", strings.NewReader(v.Encode()), &out)
	return s.mapStatusEditError(err)
}

func (s *socialClient) mapStatusEditError(err error) error {
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case http.StatusNotFound:
			return ErrMediaNotFound
		case http.StatusTooManyRequests:
			return &RateLimitError{Source: "mastodon", RetryAfter: se.retryAfter}
		default:
			return &APIRequestError{Source: "mastodon", Status: se.status, Body: se.body}
		}
	}
	return err
}

// deleteMedia deletes an attachment id. Idempotent: 404 counts as
// success (§4.1, P8).
func (s *socialClient) deleteMedia(x context.Context, id string) error {
	var out struct{}
	err := s.apiReader(x, http.MethodDelete, "/api/v1/media/"+id, "", nil, &out)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

// getUserStatuses fetches the newest 'limit' statuses authored by the
// given account id, used by the Backfill Scanner (§4.8).
func (s *socialClient) getUserStatuses(x context.Context, accountID string, limit int) ([]*Post, error) {
	var statuses []mastodon.Status
	path := "/api/v1/accounts/" + accountID + "/statuses?limit=" + strconv.Itoa(limit)
	if err := s.api(x, http.MethodGet, path, nil, &statuses); err != nil {
		return nil, err
	}
	out := make([]*Post, len(statuses))
	for i := range statuses {
		out[i] = decodeStatus(&statuses[i], false)
	}
	return out, nil
}

// sendDM posts a direct-visibility status replying to the authenticated
// account (§4.1, used by C7's balance alert).
func (s *socialClient) sendDM(x context.Context, message string) error {
	v := url.Values{}
	v.Set("status", message)
	v.Set("visibility", "direct")
	if len(s.accountID) > 0 {
		v.Set("in_reply_to_account_id", s.accountID)
	}
	var out struct{}
	return s.apiReader(x, http.MethodPost, "/api/v1/statuses", "application/x-www-form-urlencoded", strings.NewReader(v.Encode()), &out)
}

// statusError wraps a non-2xx HTTP response with enough detail to map
// into the typed error taxonomy at each call site (§7).
type statusError struct {
	_          [0]func()
	status     int
	body       string
	retryAfter int
}

func (e *statusError) Error() string {
	return "http status " + strconv.Itoa(e.status) + ": " + e.body
}

// api is a convenience wrapper over apiReader for JSON request bodies.
func (s *socialClient) api(x context.Context, method, path string, input, output interface{}) error {
	if input != nil {
		var b bytes.Buffer
		if err := json.NewEncoder(&b).Encode(input); err != nil {
			return err
		}
		return s.apiReader(x, method, path, "application/json", &b, output)
	}
	return s.apiReader(x, method, path, "", nil, output)
}

// apiReader performs one authenticated REST call, mirroring the teacher's
// blueClient.apiReader (blue.go) but against bearer-token auth instead of
// a session JWT.
func (s *socialClient) apiReader(x context.Context, method, path, content string, body io.Reader, output interface{}) error {
	r, err := http.NewRequestWithContext(x, method, s.base+path, body)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+s.token)
	r.Header.Set("User-Agent", userAgent)
	if len(content) > 0 {
		r.Header.Set("Content-Type", content)
	}
	o, err := s.http.Do(r)
	if err != nil {
		return err
	}
	defer o.Body.Close()
	if o.StatusCode >= 300 {
		raw, _ := io.ReadAll(o.Body)
		se := &statusError{status: o.StatusCode, body: string(raw), retryAfter: 60}
		if ra := o.Header.Get("Retry-After"); len(ra) > 0 {
			if n, perr := strconv.Atoi(ra); perr == nil {
				se.retryAfter = n
			}
		}
		return se
	}
	if o.ContentLength == 0 || output == nil {
		return nil
	}
	return json.NewDecoder(o.Body).Decode(output)
}
