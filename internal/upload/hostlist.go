package upload

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultAssetHosts are the vendor CDN hosts whose URLs are already usable by
// the backend and are never re-uploaded.
var DefaultAssetHosts = []string{"cdn.qwen.ai", "cdn.qwenlm.ai"}

// HostList decides whether a URL already lives on a vendor asset host. It
// supports two matching modes:
//
//   - Exact host: the URL host equals the rule or is a subdomain of it.
//   - Regex: the full URL is tested against a compiled regexp.
//
// A nil *HostList never matches.
type HostList struct {
	hosts    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewHostList compiles hosts and patterns. A bad pattern fails at startup.
func NewHostList(hosts, patterns []string) (*HostList, error) {
	hl := &HostList{hosts: make(map[string]struct{}, len(hosts))}

	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hl.hosts[h] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("upload: invalid host pattern %q: %w", p, err)
		}
		hl.patterns = append(hl.patterns, re)
	}

	return hl, nil
}

// Matches reports whether raw points at an asset host.
func (hl *HostList) Matches(raw string) bool {
	if hl == nil {
		return false
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host := strings.ToLower(u.Hostname())
		for h := range hl.hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return true
			}
		}
	}
	for _, re := range hl.patterns {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (hl *HostList) Len() int {
	if hl == nil {
		return 0
	}
	return len(hl.hosts) + len(hl.patterns)
}
