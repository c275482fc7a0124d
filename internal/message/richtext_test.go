package message

import (
	"errors"
	"strings"
	"testing"
)

func bold(text string) Segment { return Segment{Text: text, Bold: true} }

func TestNormaliseBoundaryMigration(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "Some"}, bold(" bold "), {Text: "text."}}
	got := rt.Normalise()

	want := RichText{{Text: "Some "}, bold("bold"), {Text: " text."}}
	if !got.Equal(want) {
		t.Fatalf("normalise: got %#v, want %#v", got, want)
	}
	if raw := got.Raw(); raw != "Some <b>bold</> text." {
		t.Errorf("raw form: got %q", raw)
	}
	if got.String() != rt.String() {
		t.Errorf("normalise changed rendered text: %q vs %q", got.String(), rt.String())
	}
}

func TestNormaliseSandwich(t *testing.T) {
	t.Parallel()
	rt := RichText{bold("two"), {Text: " "}, bold("words")}
	got := rt.Normalise()
	want := RichText{bold("two words")}
	if !got.Equal(want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestNormaliseEdgeWhitespaceSandwich(t *testing.T) {
	t.Parallel()
	// Both segments shed whitespace into the gap; the two plain slivers
	// must still collapse back into the surrounding bold run.
	rt := RichText{bold("a "), bold(" b")}
	got := rt.Normalise()
	want := RichText{bold("a  b")}
	if !got.Equal(want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestNormaliseIdempotent(t *testing.T) {
	t.Parallel()
	cases := []RichText{
		nil,
		{{Text: "plain text"}},
		{{Text: "Some"}, bold(" bold "), {Text: "text."}},
		{bold("a"), {Text: "  "}, bold("b"), {Text: "  "}, bold("c")},
		{bold("a "), bold(" b")},
		{bold("a "), {Text: " "}, bold(" b")},
		{{Text: "  edge  "}, {Text: "", Bold: true}, bold("  ")},
		{{Text: "x", Italic: true}, {Text: "y", Italic: true}, {Text: "z"}},
		{{Text: "link", Link: "https://example.com"}, {Text: " "}, {Text: "more", Link: "https://example.com"}},
	}
	for i, rt := range cases {
		once := rt.Normalise()
		twice := once.Normalise()
		if !twice.Equal(once) {
			t.Errorf("case %d: normalise not idempotent: %#v vs %#v", i, once, twice)
		}
		if once.String() != rt.String() {
			t.Errorf("case %d: rendered text changed: %q vs %q", i, once.String(), rt.String())
		}
	}
}

func TestCloneNoAliasing(t *testing.T) {
	t.Parallel()
	u := &User{ID: "1", Username: "alice"}
	rt := RichText{{Text: "hi", Mention: u}}
	c := rt.Clone()
	c[0].Text = "bye"
	c[0].Mention.Username = "bob"
	if rt[0].Text != "hi" || rt[0].Mention.Username != "alice" {
		t.Errorf("clone shares state with original: %#v", rt[0])
	}
}

func TestOffset(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "abc"}, bold("def")}
	for _, c := range []struct{ pos, seg, off int }{
		{0, 0, 0}, {2, 0, 2}, {3, 1, 0}, {5, 1, 2}, {6, 2, 0},
	} {
		seg, off, err := rt.Offset(c.pos)
		if err != nil {
			t.Fatalf("offset %d: %v", c.pos, err)
		}
		if seg != c.seg || off != c.off {
			t.Errorf("offset %d: got (%d,%d), want (%d,%d)", c.pos, seg, off, c.seg, c.off)
		}
	}
	if _, _, err := rt.Offset(-1); !errors.Is(err, ErrRange) {
		t.Errorf("negative offset: got %v, want ErrRange", err)
	}
	if _, _, err := rt.Offset(7); !errors.Is(err, ErrRange) {
		t.Errorf("offset past end: got %v, want ErrRange", err)
	}
}

func TestSliceChars(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "abc"}, bold("def"), {Text: "ghi"}}
	got, err := rt.SliceChars(2, 7)
	if err != nil {
		t.Fatal(err)
	}
	want := RichText{{Text: "c"}, bold("def"), {Text: "g"}}
	if !got.Equal(want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestTrim(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "short"}}
	if got := rt.Trim(10); !got.Equal(rt) {
		t.Errorf("short text should be unchanged, got %#v", got)
	}

	long := RichText{{Text: "hello world this is long"}}
	got := long.Trim(10)
	if got.String() != "hello w..." {
		t.Errorf("got %q, want %q", got.String(), "hello w...")
	}
	if got.Length() != 10 {
		t.Errorf("trimmed length %d, want 10", got.Length())
	}

	// Caps below the ellipsis width still hold.
	for n := 0; n < 5; n++ {
		if got := long.Trim(n); got.Length() > n {
			t.Errorf("Trim(%d) length %d exceeds cap", n, got.Length())
		}
	}
	if got := long.Trim(2); got.String() != ".." {
		t.Errorf("Trim(2): got %q, want %q", got.String(), "..")
	}
}

func TestLines(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "one\ntw"}, bold("o\nthree\n")}
	lines := rt.Lines()
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %#v", len(lines), lines)
	}
	if lines[0].String() != "one" || lines[1].String() != "two" || lines[2].String() != "three" {
		t.Errorf("unexpected line content: %q %q %q",
			lines[0].String(), lines[1].String(), lines[2].String())
	}
	if !lines[1][1].Bold || lines[1][0].Bold {
		t.Errorf("formatting not preserved across split: %#v", lines[1])
	}
}

func TestLinesEmptyMiddle(t *testing.T) {
	t.Parallel()
	lines := Plain("a\n\nb").Lines()
	if len(lines) != 3 || len(lines[1]) != 0 {
		t.Fatalf("got %#v, want empty middle line", lines)
	}
}

func TestIndent(t *testing.T) {
	t.Parallel()
	rt := RichText{{Text: "one\n"}, bold("two")}
	got := rt.Indent("> ")
	if got.String() != "> one\n> two" {
		t.Errorf("got %q", got.String())
	}
}

func TestChunkedBounds(t *testing.T) {
	t.Parallel()
	rt := Plain("first line\nsecond line\nthird\n" + strings.Repeat("word ", 40) + "\nlast")
	const limit = 30
	chunks := rt.Chunked(limit)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Length() > limit {
			t.Errorf("chunk %d length %d exceeds limit %d: %q", i, c.Length(), limit, c.String())
		}
	}
}

func TestChunkedPacksWholeLines(t *testing.T) {
	t.Parallel()
	rt := Plain("aaa\nbbb\nccc")
	chunks := rt.Chunked(7)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks: %v", len(chunks), chunks)
	}
	if chunks[0].String() != "aaa\nbbb" || chunks[1].String() != "ccc" {
		t.Errorf("got %q, %q", chunks[0].String(), chunks[1].String())
	}
}

func TestChunkedReassembles(t *testing.T) {
	t.Parallel()
	text := "alpha beta\ngamma delta\nzeta"
	chunks := Plain(text).Chunked(12)
	var parts []string
	for _, c := range chunks {
		parts = append(parts, c.String())
	}
	joined := strings.Join(parts, "\n")
	if joined != text {
		t.Errorf("reassembled %q, want %q", joined, text)
	}
}

func TestChunkedHardCutsOversizedWord(t *testing.T) {
	t.Parallel()
	chunks := Plain(strings.Repeat("x", 25)).Chunked(10)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.Length() > 10 {
			t.Errorf("chunk %d too long: %d", i, c.Length())
		}
	}
}

func TestChunkedFitsInOne(t *testing.T) {
	t.Parallel()
	rt := Plain("fits")
	chunks := rt.Chunked(100)
	if len(chunks) != 1 || !chunks[0].Equal(rt) {
		t.Errorf("got %#v", chunks)
	}
}
