package completion

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/stream"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

// ChatCompletion is a non-streaming chat.completion answer.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Message struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage counts characters; the vendor reports no token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Service) completion(id, model, content, reasoning string, prompt int) *ChatCompletion {
	n := utf8.RuneCountInString(content)
	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: s.opts.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content, ReasoningContent: reasoning},
			FinishReason: "stop",
		}},
		Usage: Usage{PromptTokens: prompt, CompletionTokens: n, TotalTokens: prompt + n},
	}
}

// textAnswer extracts the answer text from a non-streaming backend body.
// Think-phase output is wrapped in <think> markers and also returned on its
// own. A body that arrives as an event stream is folded the same way a
// streaming answer is.
func (s *Service) textAnswer(body []byte, thinking bool) (content, reasoning string, err error) {
	trimmed := bytes.TrimSpace(body)
	if !gjson.ValidBytes(trimmed) {
		return s.foldEvents(trimmed, thinking)
	}

	root := gjson.ParseBytes(trimmed)
	if e := root.Get("error"); e.Exists() || root.Get("success").Type == gjson.False {
		return "", "", backend.NewError("chat", 200, trimmed)
	}

	choices := root.Get("choices")
	if !choices.Exists() {
		choices = root.Get("data.choices")
	}
	var think, answer strings.Builder
	for _, c := range choices.Array() {
		msg := c.Get("message")
		if !msg.Exists() {
			msg = c.Get("delta")
		}
		if msg.Get("phase").String() == stream.PhaseThink {
			think.WriteString(msg.Get("content").String())
			continue
		}
		answer.WriteString(msg.Get("content").String())
	}
	if think.Len() == 0 {
		return answer.String(), "", nil
	}
	return "<think>" + think.String() + "</think>" + answer.String(), think.String(), nil
}

func (s *Service) foldEvents(body []byte, thinking bool) (string, string, error) {
	rd := stream.NewReader(bytes.NewReader(body))
	tr := stream.NewTranslator(thinking, s.opts.Render)

	var out, think strings.Builder
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", &backend.Error{Op: "chat", StatusCode: 200, Message: err.Error()}
		}
		switch f.Kind {
		case stream.KindDone:
			continue
		case stream.KindError:
			return "", "", &backend.Error{Op: "chat", StatusCode: 200, Message: f.Content}
		}
		if f.Kind == stream.KindContent && f.Phase == stream.PhaseThink {
			think.WriteString(f.Content)
		}
		if c, ok := tr.Translate(f); ok {
			out.WriteString(c)
		}
	}
	if c, ok := tr.Finish(); ok {
		out.WriteString(c)
	}
	if tr.InThink() {
		out.WriteString("</think>")
	}
	return out.String(), think.String(), nil
}

// extractTaskID returns the task id of the newest message that carries one.
func extractTaskID(body []byte) string {
	for _, path := range []string{"messages.#.extra.wanx.task_id", "data.messages.#.extra.wanx.task_id"} {
		ids := gjson.GetBytes(body, path).Array()
		for i := len(ids) - 1; i >= 0; i-- {
			if id := ids[i].String(); id != "" {
				return id
			}
		}
	}
	return gjson.GetBytes(body, "data.task_id").String()
}

func mediaMarkdown(kind tasks.Kind, url string) string {
	if kind == tasks.KindVideo {
		return "[链接](" + url + ")"
	}
	return "![Generated Image](" + url + ")"
}
