package livesync

import "context"

// SanChecker verifies that every leaf a note's children reference is
// actually present, without materializing the payload.
type SanChecker struct {
	local Handle
	asm   *Assembler
}

// NewSanChecker builds a checker over local, recording failures into asm's
// corrupted-entries set (mirroring GetEntry's own corruption bookkeeping).
func NewSanChecker(local Handle, asm *Assembler) *SanChecker {
	return &SanChecker{local: local, asm: asm}
}

// SanCheck checks a {plain, newnote} note: if any of its children is
// missing from a single AllDocs(keys=children) call, the note is recorded
// as corrupted and false is returned. Notes of any other type pass
// without a check.
func (s *SanChecker) SanCheck(ctx context.Context, note *Note) (bool, error) {
	if note.Type != DocTypePlain && note.Type != DocTypeNewNote {
		return true, nil
	}
	if len(note.Children) == 0 {
		return true, nil
	}

	res, err := s.local.AllDocs(ctx, AllDocsOptions{Keys: note.Children})
	if err != nil {
		return false, err
	}
	for _, row := range res.Rows {
		if row.Error != nil {
			if s.asm != nil {
				s.asm.markCorrupted(note.ID)
			}
			return false, nil
		}
	}
	return true, nil
}
