package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/qwen-gateway/internal/config"
)

// fakeBackend answers the handful of vendor endpoints the gateway touches
// during a plain text conversation.
func fakeBackend(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var chats atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auths/signin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"tok-1","expires_at":4102444800}`)
	})
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":"qwen-max-latest"},{"id":"qwen-plus-latest"}]}`)
	})
	mux.HandleFunc("POST /api/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		chats.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"pong","phase":"answer"}}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &chats
}

func newTestApp(t *testing.T, backendURL string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("QWEN_BASE_URL", backendURL+"/api")
	t.Setenv("API_KEYS", "sk-test")
	t.Setenv("ACCOUNTS_FILE", filepath.Join(dir, "data", "accounts.yaml"))
	t.Setenv("UPLOAD_CACHE_FILE", filepath.Join(dir, "data", "upload.json"))
	t.Setenv("WATCH_ACCOUNTS", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := New(ctx, cfg, nil, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a, cfg.Store.AccountsFile
}

func serve(t *testing.T, h fasthttp.RequestHandler) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, h) }()
	t.Cleanup(func() { ln.Close() })
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
		},
	}
}

func call(t *testing.T, c *http.Client, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, "http://gateway"+path, rd)
	req.Header.Set("X-API-Key", "sk-test")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// TestApp_EndToEnd verifies that a freshly started gateway with an empty pool
// is not ready, accepts an account login, persists it and then answers a
// chat completion through the backend.
func TestApp_EndToEnd(t *testing.T) {
	be, chats := fakeBackend(t)
	a, accountsFile := newTestApp(t, be.URL)
	c := serve(t, a.Handler())

	if code, _ := call(t, c, "GET", "/readiness", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("readiness with no accounts = %d, want 503", code)
	}

	body := `{"model":"qwen-max-latest","messages":[{"role":"user","content":"ping"}]}`
	if code, _ := call(t, c, "POST", "/v1/chat/completions", body); code != http.StatusServiceUnavailable {
		t.Fatalf("chat with no accounts = %d, want 503", code)
	}
	if chats.Load() != 0 {
		t.Fatal("backend must not be called without a credential")
	}

	code, data := call(t, c, "POST", "/accounts/login", `{"username":"me@example.com","password":"pw"}`)
	if code != http.StatusOK {
		t.Fatalf("login = %d: %s", code, data)
	}
	raw, err := os.ReadFile(accountsFile)
	if err != nil {
		t.Fatalf("accounts file not written: %v", err)
	}
	if !strings.Contains(string(raw), "me@example.com") {
		t.Fatalf("accounts file missing login:\n%s", raw)
	}

	code, data = call(t, c, "POST", "/v1/chat/completions", body)
	if code != http.StatusOK {
		t.Fatalf("chat = %d: %s", code, data)
	}
	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || len(out.Choices) != 1 || out.Choices[0].Message.Content != "pong" {
		t.Fatalf("completion = %s", data)
	}
}

func TestApp_Models(t *testing.T) {
	be, _ := fakeBackend(t)
	a, _ := newTestApp(t, be.URL)
	c := serve(t, a.Handler())

	call(t, c, "POST", "/accounts/login", `{"username":"me@example.com","password":"pw"}`)
	code, data := call(t, c, "GET", "/v1/models", "")
	if code != http.StatusOK {
		t.Fatalf("models = %d: %s", code, data)
	}
	if !strings.Contains(string(data), "qwen-plus-latest") {
		t.Fatalf("models body = %s", data)
	}
}

func TestNew_NilContext(t *testing.T) {
	var ctx context.Context
	if _, err := New(ctx, &config.Config{}, nil, "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379": "redis://***@localhost:6379",
		"redis://localhost:6379":         "redis://localhost:6379",
		"user:pw@host":                   "***@host",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
