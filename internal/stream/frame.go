// Package stream turns the vendor's server-sent event stream into OpenAI
// chat.completion.chunk events.
//
// The vendor marks each delta with a phase ("think" or "answer") and sends
// web search results out of band as a separate "web_search" delta. Reader
// decodes raw frames, Translator folds them into client-visible content and
// Sequence pulls the two together lazily so any transport can drive it.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/url"

	"github.com/tidwall/gjson"
)

// Frame kinds.
const (
	KindContent = iota
	KindSearch
	KindError
	KindDone
)

const (
	PhaseThink  = "think"
	PhaseAnswer = "answer"

	maxLineSize = 1 << 20
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// SearchResult is one web search hit attached to a search frame.
type SearchResult struct {
	Title    string
	Snippet  string
	URL      string
	Hostname string
}

// Frame is one decoded backend event.
type Frame struct {
	Kind    int
	Content string
	Phase   string
	Role    string
	Search  []SearchResult
}

// Reader decodes frames from a vendor SSE body. It is not safe for
// concurrent use.
type Reader struct {
	sc        *bufio.Scanner
	malformed int
	done      bool
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Reader{sc: sc}
}

// Malformed returns how many data lines could not be decoded.
func (r *Reader) Malformed() int { return r.malformed }

// Next returns the next meaningful frame. Lines that are not data lines,
// control frames without choices and malformed JSON are skipped. The
// terminal marker yields a KindDone frame; afterwards, or when the body
// ends without one, Next returns io.EOF.
func (r *Reader) Next() (Frame, error) {
	if r.done {
		return Frame{}, io.EOF
	}
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			r.done = true
			return Frame{Kind: KindDone}, nil
		}

		f, ok, err := decodeFrame(payload)
		if err != nil {
			r.malformed++
			continue
		}
		if ok {
			return f, nil
		}
	}
	r.done = true
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

var errMalformed = errors.New("stream: malformed frame")

// decodeFrame reports ok=false for valid frames that carry nothing to
// translate, such as the leading response.created event.
func decodeFrame(payload []byte) (Frame, bool, error) {
	if !gjson.ValidBytes(payload) {
		return Frame{}, false, errMalformed
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Frame{}, false, errMalformed
	}

	choices := root.Get("choices").Array()
	if len(choices) == 0 {
		if e := root.Get("error"); e.Exists() {
			msg := e.Get("message").String()
			if msg == "" {
				msg = e.String()
			}
			return Frame{Kind: KindError, Content: msg}, true, nil
		}
		return Frame{}, false, nil
	}

	delta := choices[0].Get("delta")
	if delta.Get("name").String() == "web_search" {
		info := delta.Get("extra.web_search_info").Array()
		if len(info) == 0 {
			return Frame{}, false, nil
		}
		results := make([]SearchResult, 0, len(info))
		for _, it := range info {
			results = append(results, SearchResult{
				Title:    it.Get("title").String(),
				Snippet:  it.Get("snippet").String(),
				URL:      it.Get("url").String(),
				Hostname: hostnameOf(it),
			})
		}
		return Frame{Kind: KindSearch, Search: results, Phase: delta.Get("phase").String()}, true, nil
	}

	return Frame{
		Kind:    KindContent,
		Content: delta.Get("content").String(),
		Phase:   delta.Get("phase").String(),
		Role:    delta.Get("role").String(),
	}, true, nil
}

func hostnameOf(it gjson.Result) string {
	if h := it.Get("hostname").String(); h != "" {
		return h
	}
	if u, err := url.Parse(it.Get("url").String()); err == nil {
		return u.Hostname()
	}
	return ""
}
