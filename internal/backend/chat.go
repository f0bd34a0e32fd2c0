package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

const (
	chatPath   = "chat/completions"
	modelsPath = "models"
)

// Chat posts a prepared completion body. On 200 the live response is
// returned and the caller must close its body; any other status is read,
// closed and returned as *Error so the caller can inspect StatusCode.
func (c *Client) Chat(ctx context.Context, cred credentials.Credential, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(chatPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: chat: %w", err)
	}
	req.Header = c.Headers(cred)
	if gjson.GetBytes(body, "stream").Bool() {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError("chat", resp)
	}
	return resp, nil
}

// ReadAll drains and closes a chat response body, bounded to the JSON limit.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("backend: chat: read body: %w", err)
	}
	return data, nil
}

// Models lists the model ids visible to cred.
func (c *Client) Models(ctx context.Context, cred credentials.Credential) ([]string, error) {
	data, err := c.doJSON(ctx, "models", http.MethodGet, modelsPath, c.Headers(cred), nil)
	if err != nil {
		return nil, err
	}

	ids := gjson.GetBytes(data, "data.#.id").Array()
	if len(ids) == 0 {
		ids = gjson.GetBytes(data, "data.data.#.id").Array()
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s := id.String(); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
