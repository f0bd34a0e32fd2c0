package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	srv := httptest.NewServer(newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, token, body string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func signin(t *testing.T, base string) string {
	t.Helper()
	_, body := post(t, base+"/api/v1/auths/signin", "", `{"email":"a@b.c","password":"x"}`)
	tok := gjson.Get(body, "token").String()
	if tok == "" {
		t.Fatalf("no token in %s", body)
	}
	return tok
}

// TestChat_RequiresSession verifies that chat calls without a signed-in
// token are answered with 401.
func TestChat_RequiresSession(t *testing.T) {
	srv := newTestServer(t, Config{StreamWords: 3})
	resp, _ := post(t, srv.URL+"/api/chat/completions", "nope", `{"messages":[]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestChat_StreamPhases(t *testing.T) {
	srv := newTestServer(t, Config{StreamWords: 3})
	tok := signin(t, srv.URL)

	body := `{"stream":true,"chat_type":"t2t","messages":[{"role":"user","content":"hi","chat_type":"search","feature_config":{"thinking_enabled":true}}]}`
	resp, out := post(t, srv.URL+"/api/chat/completions", tok, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{`"name":"web_search"`, `"phase":"think"`, `"phase":"answer"`, "data: [DONE]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stream missing %s:\n%s", want, out)
		}
	}
	if strings.Index(out, `"phase":"think"`) > strings.Index(out, `"phase":"answer"`) {
		t.Fatal("think phase must precede the answer")
	}
}

func TestChat_RateLimitEveryN(t *testing.T) {
	srv := newTestServer(t, Config{StreamWords: 1, RateLimitN: 2})
	tok := signin(t, srv.URL)

	first, _ := post(t, srv.URL+"/api/chat/completions", tok, `{"messages":[{"role":"user","content":"a"}]}`)
	second, _ := post(t, srv.URL+"/api/chat/completions", tok, `{"messages":[{"role":"user","content":"a"}]}`)
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("statuses = %d, %d", first.StatusCode, second.StatusCode)
	}
}

func TestTask_SucceedsAfterPolls(t *testing.T) {
	srv := newTestServer(t, Config{TaskPolls: 1})
	tok := signin(t, srv.URL)

	_, out := post(t, srv.URL+"/api/chat/completions", tok, `{"chat_type":"t2i","messages":[{"role":"user","content":"cat"}]}`)
	id := gjson.Get(out, "data.messages.0.extra.wanx.task_id").String()
	if id == "" {
		t.Fatalf("no task id in %s", out)
	}

	status := func() string {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tasks/status/"+id, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return string(data)
	}
	if got := gjson.Get(status(), "data.task_status").String(); got != "running" {
		t.Fatalf("first poll = %s", got)
	}
	final := status()
	if gjson.Get(final, "data.task_status").String() != "success" || !strings.HasSuffix(gjson.Get(final, "data.content").String(), ".png") {
		t.Fatalf("second poll = %s", final)
	}
}

func TestOSS_PutRequiresSignature(t *testing.T) {
	srv := newTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/oss/mock-bucket/user/x/a.png", strings.NewReader("img"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unsigned PUT status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/oss/mock-bucket/user/x/a.png", strings.NewReader("img"))
	req.Header.Set("Authorization", "OSS4-HMAC-SHA256 Credential=STS.mock/20240101/x/oss/aliyun_v4_request,Signature=00")
	req.Header.Set("x-oss-security-token", "t")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed PUT status = %d", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/oss/mock-bucket/user/x/a.png")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	data, _ := io.ReadAll(get.Body)
	if string(data) != "img" {
		t.Fatalf("object = %q", data)
	}
}
