package console

import "regexp"

// Match holds the result of a successful expect.
type Match struct {
	// Text is the full matched text.
	Text string

	// Groups holds the submatches. Groups[0] is the full match,
	// Groups[1] the first capture group, and so on. A group that did
	// not participate in the match is the empty string.
	Groups []string
}

// Group returns the i'th capture group, or "" if out of range.
func (m *Match) Group(i int) string {
	if m == nil || i < 0 || i >= len(m.Groups) {
		return ""
	}
	return m.Groups[i]
}

// tryMatch searches buf for re and returns the match plus the offset
// just past the match end. It is a pure function: it never mutates buf,
// so callers decide when to consume. An empty pattern matches at offset
// zero and consumes nothing.
func tryMatch(buf []byte, re *regexp.Regexp) (m *Match, end int, ok bool) {
	loc := re.FindSubmatchIndex(buf)
	if loc == nil {
		return nil, 0, false
	}

	m = &Match{Text: string(buf[loc[0]:loc[1]])}
	for i := 0; 2*i < len(loc); i++ {
		s, e := loc[2*i], loc[2*i+1]
		if s < 0 {
			m.Groups = append(m.Groups, "")
		} else {
			m.Groups = append(m.Groups, string(buf[s:e]))
		}
	}
	return m, loc[1], true
}

// tail returns the last n bytes of buf as a copy.
func tail(buf []byte, n int) []byte {
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
