package agent

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkFilter strips <think>...</think> reasoning blocks from a chunked
// text stream. Tags may be split across chunk boundaries, so text that
// could be the start of a tag is held back until the next chunk settles
// it.
type thinkFilter struct {
	inThink bool
	pending string
}

func newThinkFilter() *thinkFilter {
	return &thinkFilter{}
}

// Feed consumes one chunk and returns the text safe to emit so far.
func (f *thinkFilter) Feed(s string) string {
	f.pending += s
	var out strings.Builder

	for {
		if f.inThink {
			idx := strings.Index(f.pending, thinkClose)
			if idx < 0 {
				// Discard the hidden content, keep only what might be
				// the start of the close tag.
				k := partialTagSuffix(f.pending, thinkClose)
				f.pending = f.pending[len(f.pending)-k:]
				return out.String()
			}
			f.pending = f.pending[idx+len(thinkClose):]
			f.inThink = false
			continue
		}

		idx := strings.Index(f.pending, thinkOpen)
		if idx < 0 {
			k := partialTagSuffix(f.pending, thinkOpen)
			out.WriteString(f.pending[:len(f.pending)-k])
			f.pending = f.pending[len(f.pending)-k:]
			return out.String()
		}
		out.WriteString(f.pending[:idx])
		f.pending = f.pending[idx+len(thinkOpen):]
		f.inThink = true
	}
}

// Flush returns any held-back text at end of stream. An unclosed think
// block is dropped entirely.
func (f *thinkFilter) Flush() string {
	if f.inThink {
		f.pending = ""
		return ""
	}
	out := f.pending
	f.pending = ""
	return out
}

// partialTagSuffix returns the length of the longest proper prefix of
// tag that is a suffix of s.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
