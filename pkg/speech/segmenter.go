package speech

import (
	"strings"
)

// LineSegmenter cuts a growing streamed text into lines. Every line is
// returned once, as soon as its newline arrived.
type LineSegmenter struct {
	offset int
}

// Push takes the whole content received so far and returns the lines that
// were completed since the last call.
func (s *LineSegmenter) Push(content string) []string {
	if s.offset > len(content) {
		return nil
	}
	idx := strings.LastIndex(content[s.offset:], "\n")
	if idx < 0 {
		return nil
	}
	ret := splitLines(content[s.offset : s.offset+idx])
	s.offset += idx + 1
	return ret
}

// Flush returns the remaining text after the last newline.
func (s *LineSegmenter) Flush(content string) []string {
	if s.offset > len(content) {
		return nil
	}
	ret := splitLines(content[s.offset:])
	s.offset = len(content)
	return ret
}

func splitLines(s string) []string {
	ret := []string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ret = append(ret, line)
		}
	}
	return ret
}
