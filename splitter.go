package livesync

import "strings"

// SplitOptions configures the chunk splitter for one payload.
type SplitOptions struct {
	// CustomChunkSize multiplies MaxDocSizeBin for the binary piece size;
	// defaults to 1 when zero.
	CustomChunkSize int

	// PlainText is true when the target id qualifies for semantic
	// (line/paragraph boundary) splitting rather than fixed-size slicing.
	PlainText bool

	// SaveAsBigChunk suppresses the plain-text size reduction, keeping the
	// larger binary piece size even for a plain-text id.
	SaveAsBigChunk bool
}

// effectivePieceSize computes the target piece size and minimum chunk size
// for a payload of the given length, per the splitter's sizing policy:
// pieceSize = max(MaxDocSizeBin*CustomChunkSize, minimumChunkSize), reduced
// to MaxDocSize for plain-text unless SaveAsBigChunk; minimumChunkSize is
// payloadLen/100 clamped to [40, pieceSizeBeforeClamp].
func effectivePieceSize(payloadLen int, opt SplitOptions) (pieceSize, minChunkSize int) {
	mult := opt.CustomChunkSize
	if mult <= 0 {
		mult = 1
	}
	binSize := MaxDocSizeBin * mult

	minChunkSize = payloadLen / 100
	if minChunkSize < minMinimumChunkSize {
		minChunkSize = minMinimumChunkSize
	}
	if minChunkSize > binSize {
		minChunkSize = binSize
	}

	pieceSize = binSize
	if pieceSize < minChunkSize {
		pieceSize = minChunkSize
	}
	if opt.PlainText && !opt.SaveAsBigChunk && pieceSize > MaxDocSize {
		pieceSize = MaxDocSize
		if pieceSize < minChunkSize {
			pieceSize = minChunkSize
		}
	}
	return pieceSize, minChunkSize
}

// Split divides payload into an ordered sequence of non-empty pieces whose
// concatenation equals payload exactly. It never fails; an empty payload
// yields an empty sequence. Plain-text mode prefers splitting at line or
// paragraph boundaries near the target piece size; binary mode always
// slices at the fixed size.
//
// Split is eager (it returns a slice rather than a lazy iterator) because
// Go has no first-class generator syntax; callers that want to bound memory
// for very large payloads should use NewSplitter, whose Next method produces
// one piece at a time, grounded on the teacher's own bundle-at-a-time
// accumulate-and-flush loop in sequenceBatch (storage/posix/files.go).
func Split(payload string, opt SplitOptions) []string {
	s := NewSplitter(payload, opt)
	var out []string
	for {
		piece, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, piece)
	}
	return out
}

// Splitter lazily yields pieces of a payload.
type Splitter struct {
	remaining    string
	pieceSize    int
	minChunkSize int
	plainText    bool
}

// NewSplitter prepares a lazy splitter over payload using opt's policy.
func NewSplitter(payload string, opt SplitOptions) *Splitter {
	pieceSize, minChunkSize := effectivePieceSize(len(payload), opt)
	return &Splitter{
		remaining:    payload,
		pieceSize:    pieceSize,
		minChunkSize: minChunkSize,
		plainText:    opt.PlainText,
	}
}

// Next returns the next non-empty piece, or ("", false) once exhausted.
func (s *Splitter) Next() (string, bool) {
	if len(s.remaining) == 0 {
		return "", false
	}
	if len(s.remaining) <= s.pieceSize {
		piece := s.remaining
		s.remaining = ""
		return piece, true
	}

	cut := s.pieceSize
	if s.plainText {
		cut = s.boundaryCut()
	}
	piece := s.remaining[:cut]
	s.remaining = s.remaining[cut:]
	return piece, true
}

// boundaryCut finds a cut point at or before pieceSize, preferring a
// paragraph boundary ("\n\n"), then a line boundary ("\n"), falling back to
// the fixed size if no boundary is found at or beyond minChunkSize (so a
// single very long line doesn't defeat chunking entirely).
func (s *Splitter) boundaryCut() int {
	window := s.remaining[:s.pieceSize]

	if idx := strings.LastIndex(window, "\n\n"); idx+2 >= s.minChunkSize && idx >= 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx+1 >= s.minChunkSize && idx >= 0 {
		return idx + 1
	}
	return s.pieceSize
}
