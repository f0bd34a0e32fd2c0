package upload

import (
	"testing"
)

func TestHostList_NilSafe(t *testing.T) {
	var hl *HostList
	if hl.Matches("https://cdn.qwen.ai/a.png") {
		t.Fatal("nil HostList must never match")
	}
	if hl.Len() != 0 {
		t.Fatal("nil HostList Len must be 0")
	}
}

func TestHostList_Hosts(t *testing.T) {
	hl, err := NewHostList(DefaultAssetHosts, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		url  string
		want bool
	}{
		{"https://cdn.qwen.ai/output/a.png", true},
		{"https://CDN.QWENLM.AI/x.jpg", true},
		{"https://img.cdn.qwen.ai/x.jpg", true},
		{"https://example.com/cdn.qwen.ai.png", false}, // host differs
		{"https://notcdn.qwen.ai/x", false},
		{"data:image/png;base64,AAAA", false},
		{"not a url", false},
	}
	for _, c := range cases {
		if got := hl.Matches(c.url); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestHostList_Patterns(t *testing.T) {
	hl, err := NewHostList(nil, []string{`^https://oss-[a-z0-9-]+\.aliyuncs\.com/`})
	if err != nil {
		t.Fatal(err)
	}
	if !hl.Matches("https://oss-cn-beijing.aliyuncs.com/bucket/a.jpg") {
		t.Error("pattern should match")
	}
	if hl.Matches("https://example.com/a.jpg") {
		t.Error("pattern should not match")
	}
	if hl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", hl.Len())
	}
}

func TestHostList_InvalidPattern(t *testing.T) {
	if _, err := NewHostList(nil, []string{"(unclosed"}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestHostList_EmptyRulesSkipped(t *testing.T) {
	hl, err := NewHostList([]string{"", "  "}, []string{""})
	if err != nil {
		t.Fatal(err)
	}
	if hl.Len() != 0 {
		t.Fatalf("Len = %d, want 0", hl.Len())
	}
}
