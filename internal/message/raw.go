package message

import (
	"fmt"
	"strings"
)

// Raw/Unraw implement the textual, human-editable serialization of rich
// text. A formatting change is written as a bracketed tag list immediately
// before the text it affects, e.g. bold+italic opens as "<b,i>"; "</>"
// reverts to no formatting. Literal '<', '>' and '\' in text are escaped
// with a backslash, as is ',' inside tag values.
//
//	Hello <b>World</>!
//	see <l=https://example.com>the docs</> for details
//	ping <m=tg-main/42/Alice>Alice</>

// Resolver maps a plug name back to a live plug so mention tags can be
// reconstructed into User references.
type Resolver interface {
	PlugByName(name string) Origin
}

// Raw serialises the rich text into the tagged textual form. Normalise
// first for a canonical encoding.
func (rt RichText) Raw() string {
	var b strings.Builder
	prev := Segment{}
	for _, seg := range rt {
		if seg.Text == "" {
			continue
		}
		if !seg.SameFormat(prev) {
			if seg.Plain() {
				b.WriteString("</>")
			} else {
				b.WriteString("<")
				b.WriteString(strings.Join(seg.rawTags(), ","))
				b.WriteString(">")
			}
		}
		b.WriteString(escapeRawText(seg.Text))
		prev = seg
	}
	return b.String()
}

func (s Segment) rawTags() []string {
	var tags []string
	if s.Bold {
		tags = append(tags, "b")
	}
	if s.Italic {
		tags = append(tags, "i")
	}
	if s.Underline {
		tags = append(tags, "u")
	}
	if s.Strike {
		tags = append(tags, "s")
	}
	if s.Code {
		tags = append(tags, "c")
	}
	if s.Pre {
		tags = append(tags, "p")
	}
	if s.Link != "" {
		if s.Link == s.Text {
			tags = append(tags, "l")
		} else {
			tags = append(tags, "l="+escapeTagValue(s.Link))
		}
	}
	if s.Mention != nil {
		plug := ""
		if s.Mention.Plug != nil {
			plug = s.Mention.Plug.Name()
		}
		val := plug + "/" + s.Mention.ID + "/" + s.Mention.DisplayName()
		tags = append(tags, "m="+escapeTagValue(val))
	}
	return tags
}

func escapeRawText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\\' || r == '<' || r == '>' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeTagValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\\' || r == '<' || r == '>' || r == ',' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Unraw parses the tagged textual form back into rich text. resolver may
// be nil, in which case mentions are rebuilt without a live plug
// reference. Unraw(rt.Raw()) reproduces rt.Normalise() in content and
// formatting.
func Unraw(raw string, resolver Resolver) (RichText, error) {
	var out RichText
	format := Segment{} // formatting carried by the current run
	linkIsText := false
	var text strings.Builder

	flush := func() {
		if text.Len() == 0 {
			return
		}
		seg := format
		seg.Text = text.String()
		if linkIsText {
			seg.Link = seg.Text
		}
		out = append(out, seg)
		text.Reset()
	}

	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("raw text: dangling escape at end of input")
			}
			i++
			text.WriteRune(runes[i])
		case '>':
			return nil, fmt.Errorf("raw text: unescaped '>' at offset %d", i)
		case '<':
			end, err := findTagEnd(runes, i+1)
			if err != nil {
				return nil, err
			}
			flush()
			format, linkIsText, err = parseTagList(runes[i+1:end], resolver)
			if err != nil {
				return nil, err
			}
			i = end
		default:
			text.WriteRune(runes[i])
		}
	}
	flush()
	return out, nil
}

// findTagEnd returns the index of the unescaped '>' closing a tag block
// opened just before start.
func findTagEnd(runes []rune, start int) (int, error) {
	for i := start; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case '>':
			return i, nil
		}
	}
	return 0, fmt.Errorf("raw text: unterminated tag block")
}

// parseTagList interprets the comma-separated tokens of one tag block and
// returns the formatting they describe. A sole "/" clears all formatting.
func parseTagList(body []rune, resolver Resolver) (Segment, bool, error) {
	if string(body) == "/" {
		return Segment{}, false, nil
	}
	var format Segment
	linkIsText := false
	for _, tok := range splitTags(body) {
		name, value, hasValue := strings.Cut(tok, "=")
		switch name {
		case "b":
			format.Bold = true
		case "i":
			format.Italic = true
		case "u":
			format.Underline = true
		case "s":
			format.Strike = true
		case "c":
			format.Code = true
		case "p":
			format.Pre = true
		case "l":
			if hasValue {
				format.Link = value
			} else {
				linkIsText = true
			}
		case "m":
			if !hasValue {
				return Segment{}, false, fmt.Errorf("raw text: mention tag needs a value")
			}
			parts := strings.SplitN(value, "/", 3)
			if len(parts) != 3 {
				return Segment{}, false, fmt.Errorf("raw text: malformed mention %q", value)
			}
			user := &User{ID: parts[1], Username: parts[2]}
			if resolver != nil {
				user.Plug = resolver.PlugByName(parts[0])
			}
			format.Mention = user
		default:
			return Segment{}, false, fmt.Errorf("raw text: unknown tag %q", name)
		}
	}
	return format, linkIsText, nil
}

// splitTags splits a tag block body on unescaped commas, resolving the
// value escapes as it goes.
func splitTags(body []rune) []string {
	var toks []string
	var cur strings.Builder
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\\':
			if i+1 < len(body) {
				i++
				cur.WriteRune(body[i])
			}
		case ',':
			toks = append(toks, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(body[i])
		}
	}
	toks = append(toks, cur.String())
	return toks
}
