package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "answer", "from", "the",
	"mock", "backend", "simulating", "a", "real", "chat", "session",
}

func fakeWordsN(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return words
}

type task struct {
	kind  string
	polls int
}

// server is the in-memory state behind the mock.
type server struct {
	cfg Config
	log *slog.Logger

	chats atomic.Int64

	mu      sync.Mutex
	tokens  map[string]time.Time
	tasks   map[string]*task
	objects map[string][]byte
}

func newHandler(cfg Config, log *slog.Logger) http.Handler {
	s := &server{
		cfg:     cfg,
		log:     log,
		tokens:  make(map[string]time.Time),
		tasks:   make(map[string]*task),
		objects: make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auths/signin", s.handleSignin)
	mux.HandleFunc("GET /api/models", s.authed(s.handleModels))
	mux.HandleFunc("POST /api/chat/completions", s.authed(s.handleChat))
	mux.HandleFunc("GET /api/v1/tasks/status/{id}", s.authed(s.handleTaskStatus))
	mux.HandleFunc("POST /api/v1/files/getstsToken", s.authed(s.handleSTS))
	mux.HandleFunc("PUT /oss/{bucket}/{path...}", s.handlePutObject)
	mux.HandleFunc("GET /oss/{bucket}/{path...}", s.handleGetObject)
	return s.latency(mux)
}

func (s *server) latency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.LatencyMS > 0 {
			time.Sleep(time.Duration(s.cfg.LatencyMS) * time.Millisecond)
		}
		next.ServeHTTP(w, r)
	})
}

// authed rejects requests without a live session token with 401, which is
// what makes the gateway refresh and retry.
func (s *server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		exp, known := s.tokens[tok]
		s.mu.Unlock()
		if !ok || !known || time.Now().After(exp) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "detail": "session expired"})
			return
		}
		next(w, r)
	}
}

func (s *server) handleSignin(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	email := gjson.GetBytes(body, "email").String()
	password := gjson.GetBytes(body, "password").String()
	if email == "" || password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "detail": "email and password are required"})
		return
	}

	tok := uuid.NewString()
	exp := time.Now().Add(s.cfg.TokenTTL)
	s.mu.Lock()
	s.tokens[tok] = exp
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "token", Value: tok, Path: "/", Expires: exp})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         uuid.NewString(),
		"email":      email,
		"token":      tok,
		"token_type": "Bearer",
		"expires_at": exp.Unix(),
	})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	ids := []string{"qwen-max-latest", "qwen-plus-latest", "qwen-turbo-latest", "qwq-32b", "qwen3-235b-a22b"}
	data := make([]map[string]any, len(ids))
	for i, id := range ids {
		data[i] = map[string]any{"id": id, "name": id, "object": "model", "owned_by": "qwen"}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if n := s.cfg.RateLimitN; n > 0 && s.chats.Add(1)%int64(n) == 0 {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "detail": "Too many requests"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "detail": "invalid json"})
		return
	}
	req := gjson.ParseBytes(body)
	last := req.Get("messages|@reverse|0")

	switch chatType := req.Get("chat_type").String(); chatType {
	case "t2i", "t2v":
		s.startTask(w, chatType)
		return
	}

	thinking := last.Get("feature_config.thinking_enabled").Bool()
	search := last.Get("chat_type").String() == "search"
	answer := fakeWordsN(max(s.cfg.StreamWords, 1))

	if !req.Get("stream").Bool() {
		choices := []map[string]any{}
		if thinking {
			choices = append(choices, map[string]any{"message": map[string]any{
				"role": "assistant", "content": "Let me think.", "phase": "think",
			}})
		}
		choices = append(choices, map[string]any{"message": map[string]any{
			"role": "assistant", "content": strings.Join(answer, " ") + ".", "phase": "answer",
		}})
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "choices": choices})
		return
	}

	s.streamAnswer(w, answer, thinking, search)
}

func (s *server) streamAnswer(w http.ResponseWriter, answer []string, thinking, search bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(v any) {
		data, _ := json.Marshal(v)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	delta := func(d map[string]any) map[string]any {
		return map[string]any{"choices": []map[string]any{{"delta": d}}}
	}

	send(map[string]any{"response.created": map[string]any{"chat_id": uuid.NewString()}})
	if search {
		send(delta(map[string]any{
			"role": "function", "name": "web_search", "phase": "web_search",
			"extra": map[string]any{"web_search_info": []map[string]any{
				{"title": "Mock result", "snippet": "A mock search hit.", "url": "https://example.com/a"},
				{"title": "Another result", "snippet": "Second hit.", "url": "https://example.org/b"},
			}},
		}))
	}
	if thinking {
		for _, word := range []string{"Let", " me", " think."} {
			send(delta(map[string]any{"role": "assistant", "content": word, "phase": "think", "status": "typing"}))
		}
		send(delta(map[string]any{"role": "assistant", "content": "", "phase": "think", "status": "finished"}))
	}
	for i, word := range answer {
		if i > 0 {
			word = " " + word
		}
		send(delta(map[string]any{"role": "assistant", "content": word, "phase": "answer", "status": "typing"}))
	}
	send(delta(map[string]any{"role": "assistant", "content": ".", "phase": "answer", "status": "finished"}))
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func (s *server) startTask(w http.ResponseWriter, kind string) {
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &task{kind: kind}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"messages": []map[string]any{{
				"role":  "assistant",
				"extra": map[string]any{"wanx": map[string]any{"task_id": id}},
			}},
		},
	})
}

func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.polls++
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"task_status": "failed", "message": "task not found",
		}})
		return
	}
	if t.polls <= s.cfg.TaskPolls {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"task_status": "running"}})
		return
	}

	ext := ".png"
	if t.kind == "t2v" {
		ext = ".mp4"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
		"task_status": "success",
		"content":     "https://cdn.qwenlm.ai/mock/" + id + ext,
	}})
}

func (s *server) handleSTS(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	name := gjson.GetBytes(body, "filename").String()
	if name == "" {
		name = "file"
	}
	path := "user/" + uuid.NewString() + "/" + name

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
		"access_key_id":     "STS.mock",
		"access_key_secret": "mock-secret",
		"security_token":    "mock-security-token",
		"region":            "oss-ap-southeast-1",
		"bucketname":        "mock-bucket",
		"file_path":         path,
		"file_url":          "http://" + r.Host + "/oss/mock-bucket/" + path,
		"file_id":           uuid.NewString(),
	}})
}

func (s *server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "OSS4-HMAC-SHA256 ") || r.Header.Get("x-oss-security-token") == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := r.PathValue("bucket") + "/" + r.PathValue("path")
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	s.log.Info("object stored", slog.String("key", key), slog.Int("bytes", len(data)))
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("bucket") + "/" + r.PathValue("path")
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
