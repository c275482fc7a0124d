// Package message defines the common content model shared by all plugs:
// rich text, users, channels, messages and delivery receipts.
package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrRange is returned when a character offset falls outside the text.
var ErrRange = errors.New("offset out of range")

// Segment is a run of text with uniform formatting.
type Segment struct {
	Text      string
	Bold      bool
	Italic    bool
	Underline bool
	Strike    bool
	Code      bool
	Pre       bool
	Link      string // normalised absolute URL, empty for none
	Mention   *User
}

// Plain reports whether the segment carries no formatting at all.
func (s Segment) Plain() bool {
	return !s.Bold && !s.Italic && !s.Underline && !s.Strike &&
		!s.Code && !s.Pre && s.Link == "" && s.Mention == nil
}

// SameFormat compares two segments ignoring their text.
func (s Segment) SameFormat(o Segment) bool {
	return s.Bold == o.Bold && s.Italic == o.Italic &&
		s.Underline == o.Underline && s.Strike == o.Strike &&
		s.Code == o.Code && s.Pre == o.Pre && s.Link == o.Link &&
		s.Mention.Equal(o.Mention)
}

// Equal compares two segments over the full tuple, text included.
func (s Segment) Equal(o Segment) bool {
	return s.Text == o.Text && s.SameFormat(o)
}

func (s Segment) clone() Segment {
	c := s
	if s.Mention != nil {
		u := *s.Mention
		c.Mention = &u
	}
	return c
}

// RichText is an ordered sequence of segments forming one message body.
type RichText []Segment

// Plain wraps a bare string into rich text with a single plain segment.
func Plain(text string) RichText {
	if text == "" {
		return nil
	}
	return RichText{{Text: text}}
}

// String renders the text content without formatting.
func (rt RichText) String() string {
	var b strings.Builder
	for _, seg := range rt {
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Length returns the total text length in characters, not segment count.
func (rt RichText) Length() int {
	n := 0
	for _, seg := range rt {
		n += utf8.RuneCountInString(seg.Text)
	}
	return n
}

// Equal compares two rich texts segment by segment.
func (rt RichText) Equal(o RichText) bool {
	if len(rt) != len(o) {
		return false
	}
	for i := range rt {
		if !rt[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy sharing no mutable state with the original.
func (rt RichText) Clone() RichText {
	if rt == nil {
		return nil
	}
	out := make(RichText, len(rt))
	for i, seg := range rt {
		out[i] = seg.clone()
	}
	return out
}

// Normalise reshapes the text so formatting hugs word boundaries: leading
// and trailing whitespace moves out of formatted segments into plain ones,
// whitespace sandwiched between two identically formatted segments is
// merged into them, and adjacent segments with the same formatting become
// one. The result renders identically and normalising twice is a no-op.
func (rt RichText) Normalise() RichText {
	// Split edge whitespace into separate plain segments.
	var parts []Segment
	for _, seg := range rt {
		if seg.Text == "" {
			continue
		}
		stripped := strings.TrimLeftFunc(seg.Text, unicode.IsSpace)
		lead := seg.Text[:len(seg.Text)-len(stripped)]
		core := strings.TrimRightFunc(stripped, unicode.IsSpace)
		trail := stripped[len(core):]
		if core == "" {
			// Whitespace-only segment loses its formatting entirely.
			parts = append(parts, Segment{Text: seg.Text})
			continue
		}
		if lead != "" {
			parts = append(parts, Segment{Text: lead})
		}
		mid := seg
		mid.Text = core
		parts = append(parts, mid)
		if trail != "" {
			parts = append(parts, Segment{Text: trail})
		}
	}

	// Fuse equal-format neighbours first so that two segments each
	// contributing edge whitespace leave a single plain segment between
	// their cores, which the sandwich pass below can then collapse.
	parts = mergeAdjacent(parts)

	// Collapse [formatted][whitespace][same-formatted] into one segment.
	var collapsed []Segment
	for i := 0; i < len(parts); i++ {
		s := parts[i]
		if !s.Plain() && i+2 < len(parts) {
			mid, next := parts[i+1], parts[i+2]
			if mid.Plain() && strings.TrimSpace(mid.Text) == "" && next.SameFormat(s) {
				merged := s
				merged.Text = s.Text + mid.Text + next.Text
				// Leave the merged segment as the next head so chains
				// of sandwiches keep collapsing.
				parts[i+2] = merged
				i++
				continue
			}
		}
		collapsed = append(collapsed, s)
	}

	return RichText(mergeAdjacent(collapsed))
}

func mergeAdjacent(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if n := len(out); n > 0 && out[n-1].SameFormat(s) {
			out[n-1].Text += s.Text
		} else {
			out = append(out, s)
		}
	}
	return out
}

// Offset locates the character position pos, returning the segment index
// and the offset within that segment. pos equal to the total length maps
// to (len(rt), 0).
func (rt RichText) Offset(pos int) (int, int, error) {
	if pos < 0 {
		return 0, 0, fmt.Errorf("offset %d: %w", pos, ErrRange)
	}
	rest := pos
	for i, seg := range rt {
		n := utf8.RuneCountInString(seg.Text)
		if rest < n {
			return i, rest, nil
		}
		rest -= n
	}
	if rest == 0 {
		return len(rt), 0, nil
	}
	return 0, 0, fmt.Errorf("offset %d beyond length %d: %w", pos, rt.Length(), ErrRange)
}

// SliceChars returns the character range [start, end), splitting segments at
// the boundaries where needed.
func (rt RichText) SliceChars(start, end int) (RichText, error) {
	si, so, err := rt.Offset(start)
	if err != nil {
		return nil, err
	}
	ei, eo, err := rt.Offset(end)
	if err != nil {
		return nil, err
	}
	var out RichText
	for i := si; i < len(rt); i++ {
		if i > ei || (i == ei && eo == 0) {
			break
		}
		runes := []rune(rt[i].Text)
		lo, hi := 0, len(runes)
		if i == si {
			lo = so
		}
		if i == ei {
			hi = eo
		}
		if lo >= hi {
			continue
		}
		seg := rt[i].clone()
		seg.Text = string(runes[lo:hi])
		out = append(out, seg)
	}
	return out, nil
}

// Trim caps the text at length characters, replacing the tail with an
// ellipsis when it does not fit. Texts already within the cap are returned
// unchanged.
func (rt RichText) Trim(length int) RichText {
	if rt.Length() <= length {
		return rt
	}
	if length <= 0 {
		return nil
	}
	ellipsis := "..."
	if length < len(ellipsis) {
		// Too tight for a full ellipsis; the marker itself must still
		// fit the cap.
		ellipsis = ellipsis[:length]
	}
	prefix, _ := rt.SliceChars(0, length-len(ellipsis))
	if ellipsis == "" {
		return prefix
	}
	return append(prefix, Segment{Text: ellipsis})
}

// Lines splits the text on embedded newlines, each line keeping the
// formatting of the segments it was cut from. An empty trailing line is
// dropped.
func (rt RichText) Lines() []RichText {
	var lines []RichText
	var cur RichText
	for _, seg := range rt {
		parts := strings.Split(seg.Text, "\n")
		for j, part := range parts {
			if j > 0 {
				lines = append(lines, cur)
				cur = nil
			}
			if part != "" {
				s := seg.clone()
				s.Text = part
				cur = append(cur, s)
			}
		}
	}
	if len(cur) > 0 {
		lines = append(lines, cur)
	}
	return lines
}

// Indent prefixes every line with prefix, preserving per-line formatting.
func (rt RichText) Indent(prefix string) RichText {
	var out RichText
	for i, line := range rt.Lines() {
		if i > 0 {
			out = append(out, Segment{Text: "\n"})
		}
		if prefix != "" {
			out = append(out, Segment{Text: prefix})
		}
		out = append(out, line...)
	}
	return out
}

// Chunked splits the text into pieces of at most limit characters each.
// Whole lines are packed greedily; a single line longer than the limit is
// wrapped at word boundaries, hard-cutting only words that alone exceed
// the limit.
func (rt RichText) Chunked(limit int) []RichText {
	if limit <= 0 || rt.Length() <= limit {
		if len(rt) == 0 {
			return nil
		}
		return []RichText{rt}
	}
	var chunks []RichText
	var curLines []RichText
	curLen := 0
	flush := func() {
		if len(curLines) == 0 {
			return
		}
		chunks = append(chunks, joinLines(curLines))
		curLines, curLen = nil, 0
	}
	for _, line := range rt.Lines() {
		n := line.Length()
		if n > limit {
			flush()
			chunks = append(chunks, wrapLine(line, limit)...)
			continue
		}
		add := n
		if len(curLines) > 0 {
			add++ // the newline joining this line to the chunk
		}
		if curLen+add > limit {
			flush()
			add = n
		}
		curLines = append(curLines, line)
		curLen += add
	}
	flush()
	return chunks
}

func joinLines(lines []RichText) RichText {
	var out RichText
	for i, line := range lines {
		if i > 0 {
			out = append(out, Segment{Text: "\n"})
		}
		out = append(out, line...)
	}
	return out
}

// wrapLine word-wraps a single over-long line into limit-sized pieces.
func wrapLine(line RichText, limit int) []RichText {
	runes := []rune(line.String())
	total := len(runes)
	var out []RichText
	start := 0
	for start < total {
		end := start + limit
		next := end
		if end >= total {
			end, next = total, total
		} else {
			cut := -1
			for j := end; j > start; j-- {
				if unicode.IsSpace(runes[j]) {
					cut = j
					break
				}
			}
			if cut > start {
				end = cut
				next = cut + 1 // consume the space we broke on
			}
		}
		chunk, _ := line.SliceChars(start, end)
		if len(chunk) > 0 {
			out = append(out, chunk)
		}
		start = next
		for start < total && runes[start] == ' ' {
			start++
		}
	}
	return out
}
