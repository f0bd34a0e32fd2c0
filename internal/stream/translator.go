package stream

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkingEnabled reports whether model asks for visible reasoning.
func ThinkingEnabled(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "-thinking") || strings.Contains(m, "qwq-32b")
}

// Translator folds phase-tagged frames into a single content channel with
// <think> markers. One Translator serves exactly one stream.
type Translator struct {
	thinking bool
	render   RenderMode

	inThink bool
	search  []SearchResult
}

func NewTranslator(thinking bool, render RenderMode) *Translator {
	return &Translator{thinking: thinking, render: render}
}

// InThink reports whether the last emitted content left a think block open.
func (t *Translator) InThink() bool { return t.inThink }

// Translate returns the client content for f. ok is false when nothing
// should be emitted.
func (t *Translator) Translate(f Frame) (content string, ok bool) {
	switch f.Kind {
	case KindSearch:
		// A later search frame replaces one not yet shown.
		t.search = f.Search
		return "", false
	case KindContent:
	default:
		return "", false
	}

	seg := f.Content
	switch f.Phase {
	case PhaseThink:
		if !t.inThink {
			t.inThink = true
			if t.thinking && t.search != nil {
				seg = thinkOpen + "\n\n\n" + Render(t.render, t.search) + "\n\n\n" + seg
				t.search = nil
			} else {
				seg = thinkOpen + seg
			}
		}
	case PhaseAnswer:
		if t.inThink {
			t.inThink = false
			seg = thinkClose + seg
		}
	}

	if seg == "" {
		return "", false
	}
	if !t.thinking && t.search != nil {
		seg = t.searchBlock() + seg
		t.search = nil
	}
	return seg, true
}

// Finish returns the content to emit before the stream terminates, if any.
func (t *Translator) Finish() (content string, ok bool) {
	if t.thinking || t.search == nil {
		return "", false
	}
	block := t.searchBlock()
	t.search = nil
	return block, true
}

func (t *Translator) searchBlock() string {
	return thinkOpen + "\n" + Render(t.render, t.search) + "\n" + thinkClose + "\n"
}
