package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeHandle is a minimal in-test Handle backing only Get/Put, sufficient
// for exercising MilestoneNegotiator without pulling in a full adapter.
type fakeHandle struct {
	docs map[string]json.RawMessage
	revs map[string]string
	rev  int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{docs: make(map[string]json.RawMessage), revs: make(map[string]string)}
}

func (f *fakeHandle) Get(ctx context.Context, id string) (json.RawMessage, string, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, "", ErrNotFound
	}
	return doc, f.revs[id], nil
}

func (f *fakeHandle) Put(ctx context.Context, id string, rev string, doc any, force bool) (string, error) {
	if existing, ok := f.revs[id]; ok && !force && existing != rev {
		return "", ErrConflict
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	f.rev++
	newRev := fmt.Sprintf("%d", f.rev)
	f.docs[id] = raw
	f.revs[id] = newRev
	return newRev, nil
}

func (f *fakeHandle) BulkDocs(ctx context.Context, docs []BulkDoc) ([]BulkResult, error) {
	out := make([]BulkResult, len(docs))
	for i, d := range docs {
		rev, err := f.Put(ctx, d.ID, d.Rev, d.Doc, d.Rev == "")
		out[i] = BulkResult{ID: d.ID, Rev: rev, Error: err}
	}
	return out, nil
}

func (f *fakeHandle) AllDocs(ctx context.Context, opts AllDocsOptions) (AllDocsResult, error) {
	return AllDocsResult{}, fmt.Errorf("fakeHandle: AllDocs not implemented")
}

func (f *fakeHandle) Changes(ctx context.Context, opts ChangesOptions) (ChangeStream, error) {
	return nil, fmt.Errorf("fakeHandle: Changes not implemented")
}

func (f *fakeHandle) Replicate(ctx context.Context, dir ReplicationDirection, remote Handle, opts ReplicateOptions) (ReplicationStream, error) {
	return nil, fmt.Errorf("fakeHandle: Replicate not implemented")
}

func (f *fakeHandle) Info(ctx context.Context) (DBInfo, error) {
	return DBInfo{DocCount: int64(len(f.docs))}, nil
}

func (f *fakeHandle) Destroy(ctx context.Context) error {
	f.docs = make(map[string]json.RawMessage)
	f.revs = make(map[string]string)
	return nil
}

func (f *fakeHandle) Close() error { return nil }

var _ Handle = (*fakeHandle)(nil)

func TestMilestoneCheckConnectionFirstNodeSeedsRange(t *testing.T) {
	remote := newFakeHandle()
	n := NewMilestoneNegotiator(remote, "node-a", nil)

	result, err := n.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 3, Current: 2}, 2, false)
	if err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	// With no milestone document yet, this node isn't in AcceptedNodes, so
	// the aggregation loop has nothing to range over and falls back to
	// this node's own advertised range.
	if result.GlobalMin != 1 || result.GlobalMax != 3 {
		t.Errorf("got range [%d,%d], want [1,3]", result.GlobalMin, result.GlobalMax)
	}
}

func TestMilestoneCheckConnectionRejectsOutOfRangeVersion(t *testing.T) {
	remote := newFakeHandle()
	n := NewMilestoneNegotiator(remote, "node-a", nil)

	if err := n.MarkResolved(context.Background()); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	_, err := n.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 2, Current: 2}, 5, false)
	if err == nil {
		t.Fatal("expected an out-of-range chunk version to be rejected")
	}
}

func TestMilestoneCheckConnectionIgnoreVersionCheckBypassesRejection(t *testing.T) {
	remote := newFakeHandle()
	n := NewMilestoneNegotiator(remote, "node-a", nil)
	if err := n.MarkResolved(context.Background()); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	_, err := n.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 2, Current: 2}, 5, true)
	if err != nil {
		t.Errorf("CheckConnection with ignoreVersionCheck returned %v, want nil", err)
	}
}

func TestMilestoneLockedRejectsUnacceptedNode(t *testing.T) {
	remote := newFakeHandle()
	owner := NewMilestoneNegotiator(remote, "node-owner", nil)
	if err := owner.MarkLocked(context.Background(), true); err != nil {
		t.Fatalf("MarkLocked: %v", err)
	}

	other := NewMilestoneNegotiator(remote, "node-other", nil)
	_, err := other.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 1, Current: 1}, -1, false)
	if err == nil {
		t.Fatal("expected a locked milestone to reject a node not in AcceptedNodes")
	}
}

func TestMilestoneLockedAcceptsOwner(t *testing.T) {
	remote := newFakeHandle()
	owner := NewMilestoneNegotiator(remote, "node-owner", nil)
	if err := owner.MarkLocked(context.Background(), true); err != nil {
		t.Fatalf("MarkLocked: %v", err)
	}

	_, err := owner.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 1, Current: 1}, -1, false)
	if err != nil {
		t.Errorf("CheckConnection for the locking node returned %v, want nil", err)
	}
}

func TestMilestoneAggregatesAcrossAcceptedNodes(t *testing.T) {
	remote := newFakeHandle()
	a := NewMilestoneNegotiator(remote, "node-a", nil)
	b := NewMilestoneNegotiator(remote, "node-b", nil)

	if _, err := a.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 5}, -1, false); err != nil {
		t.Fatalf("node-a CheckConnection: %v", err)
	}
	if err := a.MarkResolved(context.Background()); err != nil {
		t.Fatalf("MarkResolved a: %v", err)
	}
	if _, err := b.CheckConnection(context.Background(), ChunkVersionRange{Min: 3, Max: 4}, -1, false); err != nil {
		t.Fatalf("node-b CheckConnection: %v", err)
	}
	if err := b.MarkResolved(context.Background()); err != nil {
		t.Fatalf("MarkResolved b: %v", err)
	}

	result, err := a.CheckConnection(context.Background(), ChunkVersionRange{Min: 1, Max: 5}, -1, false)
	if err != nil {
		t.Fatalf("final CheckConnection: %v", err)
	}
	want := ConnectionCheckResult{GlobalMin: 3, GlobalMax: 4}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("CheckConnection result mismatch (-want +got):\n%s", diff)
	}
}
