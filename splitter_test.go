package livesync

import (
	"strings"
	"testing"
)

func TestSplitRoundTrip(t *testing.T) {
	for _, test := range []struct {
		name    string
		payload string
		opt     SplitOptions
	}{
		{name: "empty", payload: "", opt: SplitOptions{}},
		{name: "small binary", payload: "hello world", opt: SplitOptions{}},
		{name: "large binary", payload: strings.Repeat("x", MaxDocSizeBin*3+17), opt: SplitOptions{}},
		{name: "plain text paragraphs", payload: strings.Repeat("line one\nline two\n\n", 20000), opt: SplitOptions{PlainText: true}},
		{name: "plain text big chunk", payload: strings.Repeat("abcdefgh\n", 50000), opt: SplitOptions{PlainText: true, SaveAsBigChunk: true}},
		{name: "custom chunk size", payload: strings.Repeat("y", 500000), opt: SplitOptions{CustomChunkSize: 2}},
	} {
		t.Run(test.name, func(t *testing.T) {
			pieces := Split(test.payload, test.opt)
			if got := strings.Join(pieces, ""); got != test.payload {
				t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(test.payload))
			}
			for i, p := range pieces {
				if len(p) == 0 {
					t.Errorf("piece %d is empty", i)
				}
			}
		})
	}
}

func TestSplitEmptyYieldsNoPieces(t *testing.T) {
	if pieces := Split("", SplitOptions{}); len(pieces) != 0 {
		t.Errorf("got %d pieces for empty payload, want 0", len(pieces))
	}
}

func TestSplitIsIdempotentOnPieceBoundaries(t *testing.T) {
	payload := strings.Repeat("z", MaxDocSizeBin*2)
	first := Split(payload, SplitOptions{})
	second := Split(strings.Join(first, ""), SplitOptions{})
	if len(first) != len(second) {
		t.Fatalf("re-splitting the reassembled payload produced a different piece count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("piece %d differs between passes", i)
		}
	}
}

func TestSplitPlainTextPrefersParagraphBoundary(t *testing.T) {
	// Build a payload well past MaxDocSize (the plain-text piece size cap)
	// with a paragraph break placed shortly before that cap, so the first
	// cut must land on it rather than at the fixed size.
	filler := strings.Repeat("a", MaxDocSize-100)
	payload := filler + "\n\nrest of the document " + strings.Repeat("b", MaxDocSize)

	s := NewSplitter(payload, SplitOptions{PlainText: true})
	piece, ok := s.Next()
	if !ok {
		t.Fatal("expected at least one piece")
	}
	if !strings.HasSuffix(piece, "\n\n") {
		t.Errorf("expected the first piece to end at the paragraph boundary, got a piece of length %d ending %q", len(piece), piece[len(piece)-10:])
	}
}

func TestSplitNeverExceedsBinaryPieceSizeOutsidePlainText(t *testing.T) {
	payload := strings.Repeat("a", MaxDocSizeBin*5)
	for _, p := range Split(payload, SplitOptions{}) {
		if len(p) > MaxDocSizeBin {
			t.Errorf("piece of length %d exceeds binary piece size %d", len(p), MaxDocSizeBin)
		}
	}
}
