package llm

import "strings"

const (
	ThinkStart = "<think>"
	ThinkEnd   = "</think>"
)

// SplitThinking separates <think>...</think> blocks from the visible text.
// An unterminated block counts as reasoning up to the end of the input.
func SplitThinking(text string) (content, reasoning string) {
	var s ThinkingSplitter
	c, r := s.Feed(text)
	fc, fr := s.Flush()
	return c + fc, r + fr
}

// ThinkingSplitter does the same incrementally, for streamed text where a
// tag may be cut across chunks. The zero value is ready to use.
type ThinkingSplitter struct {
	inBlock bool
	pending string
}

// Feed consumes the next fragment. A trailing partial tag is held back until
// the following call decides what it was.
func (s *ThinkingSplitter) Feed(input string) (content, reasoning string) {
	text := s.pending + input
	s.pending = ""

	var cb, rb strings.Builder
	for len(text) > 0 {
		tag, dst := ThinkStart, &cb
		if s.inBlock {
			tag, dst = ThinkEnd, &rb
		}

		if idx := strings.Index(text, tag); idx >= 0 {
			dst.WriteString(text[:idx])
			text = text[idx+len(tag):]
			s.inBlock = !s.inBlock
			continue
		}

		keep := partialSuffix(text, tag)
		dst.WriteString(text[:len(text)-keep])
		s.pending = text[len(text)-keep:]
		break
	}
	return cb.String(), rb.String()
}

// Flush returns whatever was held back as a possible tag prefix.
func (s *ThinkingSplitter) Flush() (content, reasoning string) {
	rest := s.pending
	s.pending = ""
	if s.inBlock {
		return "", rest
	}
	return rest, ""
}

// partialSuffix returns the length of the longest suffix of text that is a
// proper prefix of tag.
func partialSuffix(text, tag string) int {
	n := len(tag) - 1
	if len(text) < n {
		n = len(text)
	}
	for ; n > 0; n-- {
		if strings.HasPrefix(tag, text[len(text)-n:]) {
			return n
		}
	}
	return 0
}
