package models

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
	"github.com/nulpointcorp/qwen-gateway/internal/tasks"
)

type fakeLister struct {
	ids   []string
	err   error
	calls atomic.Int32
}

func (f *fakeLister) Models(_ context.Context, _ credentials.Credential) ([]string, error) {
	f.calls.Add(1)
	return f.ids, f.err
}

type oneCred struct{ err error }

func (o oneCred) Acquire() (credentials.Credential, error) {
	return credentials.Credential{Identifier: "a"}, o.err
}

func TestCatalog_ListExpandsSuffixes(t *testing.T) {
	l := &fakeLister{ids: []string{"qwen-max-latest", "qwen3-coder"}}
	c := NewCatalog(l, oneCred{}, Options{})

	list := c.List(context.Background())
	if len(list) != 2*len(Suffixes) {
		t.Fatalf("len = %d, want %d", len(list), 2*len(Suffixes))
	}
	want := []string{
		"qwen-max-latest", "qwen-max-latest-thinking", "qwen-max-latest-search",
		"qwen-max-latest-thinking-search", "qwen-max-latest-draw", "qwen-max-latest-video",
	}
	for i, id := range want {
		if list[i].ID != id || list[i].Object != "model" || list[i].OwnedBy != "qwen" {
			t.Fatalf("list[%d] = %+v, want id %q", i, list[i], id)
		}
	}
}

// TestCatalog_Caches verifies that the backend is asked once per TTL and
// that Refresh forces a new fetch.
func TestCatalog_Caches(t *testing.T) {
	l := &fakeLister{ids: []string{"m1"}}
	c := NewCatalog(l, oneCred{}, Options{})

	c.Base(context.Background())
	c.List(context.Background())
	c.Resolve(context.Background(), "m1-thinking")
	if n := l.calls.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}

	l.ids = []string{"m1", "m2"}
	if got := c.Refresh(context.Background()); len(got) != 2 {
		t.Fatalf("Refresh = %v", got)
	}
	if n := l.calls.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

func TestCatalog_Fallback(t *testing.T) {
	l := &fakeLister{err: errors.New("boom")}
	c := NewCatalog(l, oneCred{}, Options{Fallback: []string{"fb-1", "fb-2"}})

	got := c.Base(context.Background())
	if len(got) != 2 || got[0] != "fb-1" {
		t.Fatalf("Base = %v", got)
	}

	c2 := NewCatalog(&fakeLister{}, oneCred{err: credentials.ErrNoCredentialAvailable}, Options{})
	if got := c2.Base(context.Background()); len(got) != len(DefaultFallback) {
		t.Fatalf("Base without credentials = %v", got)
	}
}

func TestCatalog_ResolveUnknownModel(t *testing.T) {
	c := NewCatalog(&fakeLister{ids: []string{"qwen-max-latest", "qwen-plus-latest"}}, oneCred{}, Options{DefaultModel: "qwen-plus-latest"})

	cfg := c.Resolve(context.Background(), "gpt-4o-search")
	if cfg.Model != "qwen-plus-latest" {
		t.Fatalf("Model = %q, want default", cfg.Model)
	}
	if cfg.MessageChatType != "search" {
		t.Fatalf("feature lost on fallback: %+v", cfg)
	}

	cfg = c.Resolve(context.Background(), "qwen-max-latest")
	if cfg.Model != "qwen-max-latest" {
		t.Fatalf("Model = %q", cfg.Model)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		model       string
		base        string
		chatType    string
		msgChatType string
		thinking    bool
		budget      int
		task        tasks.Kind
		size        string
	}{
		{"qwen-max", "qwen-max", "t2t", "normal", false, 0, "", ""},
		{"qwen-max-thinking", "qwen-max", "t2t", "normal", true, thinkingBudget, "", ""},
		{"qwen-max-search", "qwen-max", "t2t", "search", false, 0, "", ""},
		{"qwen-max-thinking-search", "qwen-max", "t2t", "search", true, thinkingBudget, "", ""},
		{"qwen-max-draw", "qwen-max", "t2i", "t2i", false, 0, tasks.KindImage, "1024*1024"},
		{"qwen-max-video", "qwen-max", "t2v", "t2v", false, 0, tasks.KindVideo, "1280x720"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			cfg := resolve(tt.model, DefaultImageSize, DefaultVideoSize)
			if cfg.Model != tt.base || cfg.ChatType != tt.chatType || cfg.SubChatType != tt.chatType {
				t.Fatalf("cfg = %+v", cfg)
			}
			if cfg.MessageChatType != tt.msgChatType {
				t.Fatalf("MessageChatType = %q, want %q", cfg.MessageChatType, tt.msgChatType)
			}
			if cfg.FeatureConfig.ThinkingEnabled != tt.thinking || cfg.FeatureConfig.ThinkingBudget != tt.budget {
				t.Fatalf("FeatureConfig = %+v", cfg.FeatureConfig)
			}
			if cfg.FeatureConfig.OutputSchema != "phase" || cfg.ChatMode != "normal" {
				t.Fatalf("cfg = %+v", cfg)
			}
			if cfg.Task != tt.task || cfg.Size != tt.size || cfg.IsTask() != (tt.task != "") {
				t.Fatalf("task = %q size = %q", cfg.Task, cfg.Size)
			}
		})
	}
}

func TestResolve_StreamThinking(t *testing.T) {
	if !resolve("qwq-32b", "", "").Thinking {
		t.Fatal("qwq-32b streams with think markers")
	}
	if resolve("qwen-max-search", "", "").Thinking {
		t.Fatal("search-only model must not stream think markers")
	}
	if !resolve("qwen-max-thinking-search", "", "").Thinking {
		t.Fatal("thinking-search streams with think markers")
	}
}

func TestSplitFeature_Longest(t *testing.T) {
	base, f := SplitFeature("qwen3-thinking-search")
	if base != "qwen3" || f != FeatureThinkingSearch {
		t.Fatalf("got %q %q", base, f)
	}
}
