package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/suPer8Hu/chat-sync/internal/backoff"
	"github.com/suPer8Hu/chat-sync/internal/chat"
)

// HTTPError is a non-retriable backend response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend http %d: %s", e.StatusCode, e.Message)
}

// HTTPClient implements Service against a remote deployment. Reads retry
// 429/5xx with the shared backoff policy; the send path never retries
// automatically because resending risks duplicate creation (the nonce guards
// the backend side, but the client still treats a failed send as terminal).
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     backoff.Policy
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, policy backoff.Policy) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		policy:     policy,
	}
}

func (c *HTTPClient) FetchSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	err := c.doJSON(ctx, http.MethodGet,
		"/v1/sessions/"+url.PathEscape(sessionID), nil, &out, true)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, workspaceHint, owner string) (*Session, error) {
	body := map[string]any{"workspace_hint": workspaceHint, "owner": owner}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) MessagesSince(ctx context.Context, sessionID string, since Marker, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if !since.CreatedAt.IsZero() {
		q.Set("since_ts", strconv.FormatInt(since.CreatedAt.UnixMilli(), 10))
	}
	if since.ServerID != "" {
		q.Set("since_id", since.ServerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/sessions/%s/messages?%s", url.PathEscape(sessionID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, sessionID string, out Outgoing) (chat.Message, error) {
	var msg chat.Message
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, out, &msg, false); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (c *HTTPClient) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	body := map[string]any{"last_activity_at": at}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/touch"
	return c.doJSON(ctx, http.MethodPost, path, body, nil, false)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any, retriable bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return err
		}
	}

	for attempt := 1; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retriable && !c.policy.Exhausted(attempt+1) {
				if waitErr := c.policy.Wait(ctx, attempt); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &chat.TransientError{Op: method + " " + requestPath, Err: err}
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retriable && !c.policy.Exhausted(attempt+1) {
				if waitErr := c.policy.Wait(ctx, attempt); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &chat.TransientError{
				Op:  method + " " + requestPath,
				Err: fmt.Errorf("status %d", resp.StatusCode),
			}
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return chat.ErrSessionNotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return chat.ErrSessionForbidden
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}
