package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(append([]Option{WithBaseURL(srv.URL + "/api")}, opts...)...)
}

// TestHeaders_MergesCookies verifies that the account cookie comes first and
// common cookies follow in key order.
func TestHeaders_MergesCookies(t *testing.T) {
	c := New(WithCommonCookies(func() map[string]string {
		return map[string]string{"ssxmod_itna": "b", "acw_tc": "a"}
	}))
	h := c.Headers(credentials.Credential{SessionToken: "tok", SessionCookie: "token=x"})

	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("Authorization = %q", got)
	}
	if got, want := h.Get("Cookie"), "token=x; acw_tc=a; ssxmod_itna=b"; got != want {
		t.Fatalf("Cookie = %q, want %q", got, want)
	}
	if got := h.Get("Origin"); got != "https://chat.qwen.ai" {
		t.Fatalf("Origin = %q", got)
	}
}

func TestHeaders_NoSession(t *testing.T) {
	h := New().Headers(credentials.Credential{})
	if h.Get("Authorization") != "" || h.Get("Cookie") != "" {
		t.Fatalf("unexpected auth headers: %v", h)
	}
}

// TestLogin_HashesPassword verifies that the password is posted as hex
// SHA-256 and that token, expiry and cookies are read back.
func TestLogin_HashesPassword(t *testing.T) {
	var got signinRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auths/signin" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "cookie-tok", Path: "/"})
		_, _ = io.WriteString(w, `{"token":"session-tok","expires_at":1900000000}`)
	})

	sess, err := c.Login(context.Background(), "a@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	sum := sha256.Sum256([]byte("secret"))
	if got.Password != hex.EncodeToString(sum[:]) {
		t.Fatalf("password = %q, want sha256 hex", got.Password)
	}
	if got.Email != "a@example.com" {
		t.Fatalf("email = %q", got.Email)
	}
	if sess.Token != "session-tok" || sess.ExpiresAt != 1900000000 {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Cookie != "token=cookie-tok" {
		t.Fatalf("cookie = %q", sess.Cookie)
	}
}

func TestLogin_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"The email or password provided is incorrect."}`)
	})

	_, err := c.Login(context.Background(), "a@example.com", "bad")
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.StatusCode != http.StatusBadRequest || !strings.Contains(be.Message, "incorrect") {
		t.Fatalf("error = %+v", be)
	}
}

func TestLogin_MissingToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false}`)
	})
	if _, err := c.Login(context.Background(), "a", "b"); err == nil {
		t.Fatal("expected error when no token is returned")
	}
}

// TestChat_StatusError verifies that non-200 responses are closed and
// surfaced as *Error with the backend status.
func TestChat_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})

	_, err := c.Chat(context.Background(), credentials.Credential{SessionToken: "t"}, []byte(`{"stream":true}`))
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if be.HTTPStatus() != http.StatusTooManyRequests || be.Message != "slow down" {
		t.Fatalf("error = %+v", be)
	}
}

func TestChat_StreamAccept(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer t" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	resp, err := c.Chat(context.Background(), credentials.Credential{SessionToken: "t"}, []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	body, err := ReadAll(resp)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "data: [DONE]\n\n" {
		t.Fatalf("body = %q", body)
	}
}

func TestModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"qwen-max-latest"},{"id":"qwq-32b"},{"id":""}]}`)
	})

	ids, err := c.Models(context.Background(), credentials.Credential{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "qwen-max-latest" || ids[1] != "qwq-32b" {
		t.Fatalf("ids = %v", ids)
	}
}

// TestSTSToken_DataEnvelope verifies that both the bare and the
// {"data": {...}} response shapes decode.
func TestSTSToken_DataEnvelope(t *testing.T) {
	cases := []string{
		`{"access_key_id":"AK","access_key_secret":"SK","security_token":"ST","region":"oss-ap-southeast-1","bucketname":"b","file_path":"u/x.jpg","file_url":"https://cdn/x.jpg"}`,
		`{"success":true,"data":{"access_key_id":"AK","access_key_secret":"SK","security_token":"ST","region":"oss-ap-southeast-1","bucketname":"b","file_path":"u/x.jpg","file_url":"https://cdn/x.jpg"}}`,
	}
	for _, body := range cases {
		var req STSRequest
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&req)
			_, _ = io.WriteString(w, body)
		})

		tok, err := c.STSToken(context.Background(), credentials.Credential{}, STSRequest{Filename: "a.jpg", Filesize: 3, Filetype: "image"})
		if err != nil {
			t.Fatalf("STSToken: %v", err)
		}
		if tok.AccessKeyID != "AK" || tok.Bucket != "b" || tok.FilePath != "u/x.jpg" {
			t.Fatalf("token = %+v", tok)
		}
		if req.Filetype != "image" || req.Filesize != 3 {
			t.Fatalf("request = %+v", req)
		}
	}
}

func TestSTSToken_Incomplete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"data":{"code":"RateLimited"}}`)
	})
	if _, err := c.STSToken(context.Background(), credentials.Credential{}, STSRequest{}); err == nil {
		t.Fatal("expected error for incomplete token")
	}
}

func TestTaskStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/status/abc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"task_status":"success","content":"https://cdn.qwen.ai/x.png"}}`)
	})

	st, err := c.TaskStatus(context.Background(), credentials.Credential{}, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "success" || st.Content != "https://cdn.qwen.ai/x.png" {
		t.Fatalf("status = %+v", st)
	}
}

func TestError_Message(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"detail":"nope"}`, "nope"},
		{`{"error":{"message":"bad"}}`, "bad"},
		{`{"data":{"details":"limit"}}`, "limit"},
		{`not json`, ""},
	}
	for _, c := range cases {
		if got := NewError("x", 500, []byte(c.body)).Message; got != c.want {
			t.Errorf("message(%q) = %q, want %q", c.body, got, c.want)
		}
	}
}
