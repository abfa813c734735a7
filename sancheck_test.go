package livesync

import (
	"context"
	"testing"
)

// sanCheckHandle extends fakeHandle with a real AllDocs(keys=...) lookup,
// which SanCheck needs but fakeHandle itself leaves unimplemented.
type sanCheckHandle struct {
	*fakeHandle
}

func (s *sanCheckHandle) AllDocs(ctx context.Context, opts AllDocsOptions) (AllDocsResult, error) {
	rows := make([]AllDocsRow, len(opts.Keys))
	for i, k := range opts.Keys {
		if doc, ok := s.docs[k]; ok {
			rows[i] = AllDocsRow{ID: k, Rev: s.revs[k], Doc: doc}
			continue
		}
		rows[i] = AllDocsRow{ID: k, Error: ErrNotFound}
	}
	return AllDocsResult{TotalRows: len(rows), Rows: rows}, nil
}

func TestSanCheckPassesWhenAllChildrenPresent(t *testing.T) {
	h := &sanCheckHandle{fakeHandle: newFakeHandle()}
	ctx := context.Background()
	if _, err := h.Put(ctx, "h:a", "", &Leaf{ID: "h:a", Type: DocTypeLeaf, Data: "a"}, false); err != nil {
		t.Fatalf("seed h:a: %v", err)
	}
	if _, err := h.Put(ctx, "h:b", "", &Leaf{ID: "h:b", Type: DocTypeLeaf, Data: "b"}, false); err != nil {
		t.Fatalf("seed h:b: %v", err)
	}

	checker := NewSanChecker(h, nil)
	note := &Note{ID: "doc-1", Type: DocTypePlain, Children: []string{"h:a", "h:b"}}
	ok, err := checker.SanCheck(ctx, note)
	if err != nil {
		t.Fatalf("SanCheck: %v", err)
	}
	if !ok {
		t.Error("expected SanCheck to pass when every child is present")
	}
}

func TestSanCheckFailsAndMarksCorruptedWhenChildMissing(t *testing.T) {
	h := &sanCheckHandle{fakeHandle: newFakeHandle()}
	ctx := context.Background()
	if _, err := h.Put(ctx, "h:a", "", &Leaf{ID: "h:a", Type: DocTypeLeaf, Data: "a"}, false); err != nil {
		t.Fatalf("seed h:a: %v", err)
	}

	asm := &Assembler{corruptedEntries: make(map[string]struct{})}
	checker := NewSanChecker(h, asm)
	note := &Note{ID: "doc-2", Type: DocTypePlain, Children: []string{"h:a", "h:missing"}}
	ok, err := checker.SanCheck(ctx, note)
	if err != nil {
		t.Fatalf("SanCheck: %v", err)
	}
	if ok {
		t.Error("expected SanCheck to fail when a child is missing")
	}
	corrupted := asm.DrainCorrupted()
	if _, marked := corrupted["doc-2"]; !marked {
		t.Error("expected doc-2 to be recorded in the corrupted-entries set")
	}
}

func TestSanCheckSkipsTypesOtherThanPlainAndNewNote(t *testing.T) {
	h := &sanCheckHandle{fakeHandle: newFakeHandle()}
	checker := NewSanChecker(h, nil)

	note := &Note{ID: "leaf-ish", Type: DocTypeNotes, Children: []string{"h:missing"}}
	ok, err := checker.SanCheck(context.Background(), note)
	if err != nil {
		t.Fatalf("SanCheck: %v", err)
	}
	if !ok {
		t.Error("expected SanCheck to pass trivially for a non-{plain,newnote} type")
	}
}

func TestSanCheckPassesWhenNoChildren(t *testing.T) {
	h := &sanCheckHandle{fakeHandle: newFakeHandle()}
	checker := NewSanChecker(h, nil)

	note := &Note{ID: "empty-note", Type: DocTypePlain}
	ok, err := checker.SanCheck(context.Background(), note)
	if err != nil {
		t.Fatalf("SanCheck: %v", err)
	}
	if !ok {
		t.Error("expected SanCheck to pass trivially for a note with no children")
	}
}
