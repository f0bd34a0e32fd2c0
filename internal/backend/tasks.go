package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

// TaskStatus is one observation of a media generation task.
type TaskStatus struct {
	Status  string `json:"task_status"`
	Content string `json:"content"`
	Message string `json:"message"`
}

// TaskStatus fetches the current state of task id.
func (c *Client) TaskStatus(ctx context.Context, cred credentials.Credential, id string) (TaskStatus, error) {
	data, err := c.doJSON(ctx, "task_status", http.MethodGet, "v1/tasks/status/"+url.PathEscape(id), c.Headers(cred), nil)
	if err != nil {
		return TaskStatus{}, err
	}

	root := gjson.ParseBytes(data)
	if d := root.Get("data"); d.IsObject() && d.Get("task_status").Exists() {
		root = d
	}
	return TaskStatus{
		Status:  root.Get("task_status").String(),
		Content: root.Get("content").String(),
		Message: root.Get("message").String(),
	}, nil
}
