package completion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/qwen-gateway/internal/backend"
	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/models"
	"github.com/nulpointcorp/qwen-gateway/internal/orchestrator"
	"github.com/nulpointcorp/qwen-gateway/internal/stream"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []orchestrator.Call
	modes []orchestrator.Mode
	body  string
	err   error
}

func (f *fakeExec) Execute(_ context.Context, call orchestrator.Call, mode orchestrator.Mode) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	res := &orchestrator.Result{Credential: *call.Credential, Attempts: 1}
	if mode == orchestrator.ModeStream {
		res.Stream = stream.NewSequence(io.NopCloser(strings.NewReader(f.body)), stream.Options{Model: call.Model, Thinking: call.Thinking})
		return res, nil
	}
	res.Body = []byte(f.body)
	return res, nil
}

func (f *fakeExec) sent(t *testing.T) gjson.Result {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(f.calls))
	}
	return gjson.ParseBytes(f.calls[0].Body)
}

type resolverFunc func(model string) models.Config

func (f resolverFunc) Resolve(_ context.Context, model string) models.Config { return f(model) }

// knownModels resolves like a catalogue that lists qwen-max-latest only.
var knownModels = resolverFunc(func(model string) models.Config {
	c := models.NewCatalog(staticLister{"qwen-max-latest"}, fixedCred{}, models.Options{})
	return c.Resolve(context.Background(), model)
})

type staticLister []string

func (l staticLister) Models(context.Context, credentials.Credential) ([]string, error) { return l, nil }

type fixedCred struct{}

func (fixedCred) Acquire() (credentials.Credential, error) {
	return credentials.Credential{Identifier: "acct-1", SessionToken: "tok"}, nil
}

type fakeSaver struct {
	fail   bool
	inputs []string
}

func (f *fakeSaver) Save(_ context.Context, input string, _ credentials.Credential) (string, error) {
	f.inputs = append(f.inputs, input)
	if f.fail {
		return "", errors.New("oss down")
	}
	return "https://cdn.qwen.ai/uploaded.png", nil
}

type fakePoller struct {
	taskID string
	kind   tasks.Kind
	cred   string
	res    tasks.Result
	err    error
}

func (f *fakePoller) Poll(_ context.Context, cred credentials.Credential, taskID string, kind tasks.Kind, _ tasks.Options) (tasks.Result, error) {
	f.taskID, f.kind, f.cred = taskID, kind, cred.Identifier
	return f.res, f.err
}

func newTestService(exec *fakeExec, saver Saver, poller Poller) *Service {
	n := 0
	return New(exec, knownModels, saver, poller, fixedCred{}, Options{
		Now: func() time.Time { return time.Unix(1700000000, 0) },
		NewID: func() string {
			n++
			return "id-" + string(rune('0'+n))
		},
	})
}

func mustParse(t *testing.T, body string) Request {
	t.Helper()
	req, err := ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	return req
}

func TestComplete_Text(t *testing.T) {
	exec := &fakeExec{body: `{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`}
	s := newTestService(exec, nil, nil)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	c := res.Completion
	if c == nil || c.Choices[0].Message.Content != "hello there" || c.Choices[0].FinishReason != "stop" {
		t.Fatalf("completion = %+v", c)
	}
	if c.Object != "chat.completion" || c.Model != "qwen-max-latest" || c.Created != 1700000000 {
		t.Fatalf("completion = %+v", c)
	}
	if c.Usage.CompletionTokens != len("hello there") || c.Usage.TotalTokens != c.Usage.PromptTokens+c.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", c.Usage)
	}

	body := exec.sent(t)
	checks := map[string]string{
		"stream":                                     "false",
		"incremental_output":                         "true",
		"chat_type":                                  "t2t",
		"sub_chat_type":                              "t2t",
		"chat_mode":                                  "normal",
		"model":                                      "qwen-max-latest",
		"temperature":                                "1",
		"messages.0.chat_type":                       "normal",
		"messages.0.extra":                           "{}",
		"messages.0.feature_config.output_schema":    "phase",
		"messages.0.feature_config.thinking_enabled": "false",
	}
	for path, want := range checks {
		if got := body.Get(path).Raw; strings.Trim(got, `"`) != want {
			t.Errorf("%s = %s, want %s", path, got, want)
		}
	}
	for _, k := range []string{"session_id", "chat_id", "id"} {
		if body.Get(k).String() == "" {
			t.Errorf("%s missing", k)
		}
	}
	if body.Get("size").Exists() {
		t.Error("text chat must not carry a size")
	}
}

func TestComplete_ThinkChoices(t *testing.T) {
	exec := &fakeExec{body: `{"choices":[
		{"message":{"role":"assistant","content":"let me think","phase":"think"}},
		{"message":{"role":"assistant","content":"42","phase":"answer"}}]}`}
	s := newTestService(exec, nil, nil)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest-thinking","messages":[{"role":"user","content":"q"}],"temperature":0.3}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	msg := res.Completion.Choices[0].Message
	if msg.Content != "<think>let me think</think>42" || msg.ReasoningContent != "let me think" {
		t.Fatalf("message = %+v", msg)
	}

	body := exec.sent(t)
	if body.Get("model").String() != "qwen-max-latest" || body.Get("temperature").Float() != 0.3 {
		t.Fatalf("body = %s", body.Raw)
	}
	if !body.Get("messages.0.feature_config.thinking_enabled").Bool() || body.Get("messages.0.feature_config.thinking_budget").Int() != 38912 {
		t.Fatalf("feature_config = %s", body.Get("messages.0.feature_config").Raw)
	}
}

// TestComplete_EventStreamBody verifies that a non-streaming call answered
// with an event stream is folded into one message.
func TestComplete_EventStreamBody(t *testing.T) {
	exec := &fakeExec{body: "data: {\"choices\":[{\"delta\":{\"content\":\"r\",\"phase\":\"think\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\",\"phase\":\"answer\"}}]}\n\n" +
		"data: [DONE]\n\n"}
	s := newTestService(exec, nil, nil)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest-thinking","messages":[{"role":"user","content":"q"}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := res.Completion.Choices[0].Message.Content; got != "<think>r</think>a" {
		t.Fatalf("content = %q", got)
	}
}

func TestComplete_BackendErrorBody(t *testing.T) {
	exec := &fakeExec{body: `{"success":false,"data":{"code":"Bad_Request","details":"model not found"}}`}
	s := newTestService(exec, nil, nil)

	_, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest","messages":[{"role":"user","content":"q"}]}`))
	var be *backend.Error
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *backend.Error", err)
	}
}

func TestComplete_Stream(t *testing.T) {
	exec := &fakeExec{body: "data: {\"choices\":[{\"delta\":{\"content\":\"x\",\"phase\":\"answer\"}}]}\n\ndata: [DONE]\n\n"}
	s := newTestService(exec, nil, nil)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest-search","stream":true,"messages":[{"role":"user","content":"q"}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Stream == nil || res.Completion != nil {
		t.Fatalf("response = %+v", res)
	}
	defer res.Stream.Close()

	if exec.modes[0] != orchestrator.ModeStream {
		t.Fatal("stream request must run in stream mode")
	}
	call := exec.calls[0]
	if call.Thinking == nil || *call.Thinking || !strings.HasPrefix(call.CompletionID, "chatcmpl-") {
		t.Fatalf("call = %+v", call)
	}
	body := exec.sent(t)
	if !body.Get("stream").Bool() || body.Get("messages.0.chat_type").String() != "search" {
		t.Fatalf("body = %s", body.Raw)
	}
}

func TestComplete_UploadsUserImages(t *testing.T) {
	exec := &fakeExec{body: `{"choices":[{"message":{"content":"a cat"}}]}`}
	saver := &fakeSaver{}
	s := newTestService(exec, saver, nil)

	req := mustParse(t, `{"model":"qwen-max-latest","messages":[
		{"role":"system","content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,c3lz"}}]},
		{"role":"user","content":[
			{"type":"text","text":"what is this"},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}]}]}`)
	if _, err := s.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if len(saver.inputs) != 1 || saver.inputs[0] != "data:image/png;base64,aGVsbG8=" {
		t.Fatalf("saved = %v, want the user image only", saver.inputs)
	}
	body := exec.sent(t)
	if got := body.Get("messages.1.content.1").Raw; got != `{"type":"image","image":"https://cdn.qwen.ai/uploaded.png"}` {
		t.Fatalf("image part = %s", got)
	}
	if body.Get("messages.1.content.0.text").String() != "what is this" {
		t.Fatal("text part must be kept")
	}
	if body.Get("messages.0.content.0.type").String() != "image_url" {
		t.Fatal("system message must not be rewritten")
	}
}

func TestComplete_UploadFailureKeepsAttachment(t *testing.T) {
	exec := &fakeExec{body: `{"choices":[{"message":{"content":"ok"}}]}`}
	s := newTestService(exec, &fakeSaver{fail: true}, nil)

	req := mustParse(t, `{"model":"qwen-max-latest","messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}]}]}`)
	if _, err := s.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := exec.sent(t).Get("messages.0.content.0.image_url.url").String(); got != "https://example.com/a.png" {
		t.Fatalf("attachment = %q", got)
	}
}

// TestComplete_DrawTask verifies that a -draw model runs without streaming,
// polls the task named in the newest message and answers with markdown.
func TestComplete_DrawTask(t *testing.T) {
	exec := &fakeExec{body: `{"success":true,"data":{},"messages":[
		{"role":"user","content":"a fox"},
		{"role":"assistant","extra":{"wanx":{"task_id":"task-9"}}}]}`}
	poller := &fakePoller{res: tasks.Result{Status: tasks.StatusSuccess, URL: "https://cdn.qwen.ai/fox.png"}}
	s := newTestService(exec, nil, poller)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest-draw","stream":true,
		"messages":[{"role":"user","content":"a fox","feature_config":{"thinking_enabled":true}}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Completion == nil || res.Completion.Choices[0].Message.Content != "![Generated Image](https://cdn.qwen.ai/fox.png)" {
		t.Fatalf("response = %+v", res)
	}
	if poller.taskID != "task-9" || poller.kind != tasks.KindImage || poller.cred != "acct-1" {
		t.Fatalf("poll = %+v", poller)
	}

	if exec.modes[0] != orchestrator.ModeSingle {
		t.Fatal("media tasks never stream")
	}
	body := exec.sent(t)
	if body.Get("stream").Bool() || body.Get("chat_type").String() != "t2i" || body.Get("size").String() != "1024*1024" {
		t.Fatalf("body = %s", body.Raw)
	}
	if body.Get("messages.0.feature_config.thinking_enabled").Bool() || body.Get("messages.0.chat_type").String() != "t2i" {
		t.Fatalf("message = %s", body.Get("messages.0").Raw)
	}
}

func TestComplete_TaskWithoutID(t *testing.T) {
	exec := &fakeExec{body: `{"messages":[{"role":"assistant","extra":{}}]}`}
	s := newTestService(exec, nil, &fakePoller{})

	_, err := s.Complete(context.Background(), mustParse(t, `{"model":"qwen-max-latest-video","messages":[{"role":"user","content":"x"}]}`))
	if !errors.Is(err, tasks.ErrTaskFailed) {
		t.Fatalf("err = %v, want ErrTaskFailed", err)
	}
}

func TestComplete_ExecError(t *testing.T) {
	want := &orchestrator.RateLimitedError{Attempts: 5}
	s := newTestService(&fakeExec{err: want}, nil, nil)

	_, err := s.Complete(context.Background(), mustParse(t, `{"model":"m","messages":[{"role":"user","content":"x"}]}`))
	var rl *orchestrator.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v", err)
	}
}

func TestComplete_UnknownModelUsesDefault(t *testing.T) {
	exec := &fakeExec{body: `{"choices":[{"message":{"content":"ok"}}]}`}
	s := newTestService(exec, nil, nil)

	res, err := s.Complete(context.Background(), mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := exec.sent(t).Get("model").String(); got != models.DefaultModel {
		t.Fatalf("backend model = %q", got)
	}
	if res.Completion.Model != "gpt-4o" {
		t.Fatalf("response model = %q, want the requested id", res.Completion.Model)
	}
}

func TestGenerateVideo(t *testing.T) {
	exec := &fakeExec{body: `{"data":{"messages":[{"role":"assistant","extra":{"wanx":{"task_id":"v-1"}}}]}}`}
	poller := &fakePoller{res: tasks.Result{Status: tasks.StatusSuccess, URL: "https://cdn.qwen.ai/v.mp4"}}
	s := newTestService(exec, nil, poller)

	req, err := ParseMediaRequest([]byte(`{"model":"qwen-max-latest","prompt":" a river ","n":2,"size":"720x1280"}`))
	if err != nil {
		t.Fatalf("ParseMediaRequest: %v", err)
	}
	res, err := s.GenerateVideo(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateVideo: %v", err)
	}
	if len(res.Data) != 2 || res.Data[1].URL != "https://cdn.qwen.ai/v.mp4" || res.Created != 1700000000 {
		t.Fatalf("response = %+v", res)
	}
	if poller.taskID != "v-1" || poller.kind != tasks.KindVideo {
		t.Fatalf("poll = %+v", poller)
	}
	body := exec.sent(t)
	if body.Get("chat_type").String() != "t2v" || body.Get("size").String() != "720x1280" {
		t.Fatalf("body = %s", body.Raw)
	}
	if body.Get("messages.0.content").String() != "a river" {
		t.Fatalf("prompt = %s", body.Get("messages.0.content").Raw)
	}
}

func TestGenerateImage_PollFailure(t *testing.T) {
	exec := &fakeExec{body: `{"messages":[{"extra":{"wanx":{"task_id":"i-1"}}}]}`}
	s := newTestService(exec, nil, &fakePoller{err: tasks.ErrTaskTimeout})

	_, err := s.GenerateImage(context.Background(), MediaRequest{Prompt: "p", N: 1})
	if !errors.Is(err, tasks.ErrTaskTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRequest_Invalid(t *testing.T) {
	bad := []string{
		`not json`,
		`{"messages":[{"role":"user","content":"x"}]}`,
		`{"model":"m"}`,
		`{"model":"m","messages":[]}`,
		`{"model":"m","messages":[{"role":"user","content":"x"}],"temperature":3}`,
	}
	for _, body := range bad {
		if _, err := ParseRequest([]byte(body)); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ParseRequest(%s) err = %v, want ErrInvalidRequest", body, err)
		}
	}

	req, err := ParseRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}]}`))
	if err != nil || req.Stream || req.Temperature != nil {
		t.Fatalf("req = %+v err = %v", req, err)
	}
}

func TestParseMediaRequest(t *testing.T) {
	if _, err := ParseMediaRequest([]byte(`{"prompt":""}`)); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty prompt err = %v", err)
	}
	if _, err := ParseMediaRequest([]byte(`{"prompt":"x","n":11}`)); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("large n err = %v", err)
	}
	req, err := ParseMediaRequest([]byte(`{"prompt":"x"}`))
	if err != nil || req.N != 1 {
		t.Fatalf("req = %+v err = %v", req, err)
	}
}
