package livesync

import (
	"fmt"
	"testing"
)

func TestLeafID(t *testing.T) {
	for _, test := range []struct {
		hash     string
		q        int
		wantPath string
	}{
		{hash: "abc123", q: 0, wantPath: "h:abc123"},
		{hash: "abc123", q: 1, wantPath: "h:abc1231"},
		{hash: "abc123", q: 9, wantPath: "h:abc1239"},
	} {
		desc := fmt.Sprintf("hash=%s q=%d", test.hash, test.q)
		t.Run(desc, func(t *testing.T) {
			got := LeafID(test.hash, test.q)
			if got != test.wantPath {
				t.Errorf("got %q want %q", got, test.wantPath)
			}
		})
	}
}

func TestMilestoneHasAcceptedNode(t *testing.T) {
	m := &Milestone{AcceptedNodes: []string{"node-a", "node-b"}}

	for _, test := range []struct {
		nodeID string
		want   bool
	}{
		{nodeID: "node-a", want: true},
		{nodeID: "node-b", want: true},
		{nodeID: "node-c", want: false},
		{nodeID: "", want: false},
	} {
		t.Run(test.nodeID, func(t *testing.T) {
			if got := m.HasAcceptedNode(test.nodeID); got != test.want {
				t.Errorf("HasAcceptedNode(%q) = %v, want %v", test.nodeID, got, test.want)
			}
		})
	}
}

func TestNoteIsLeaf(t *testing.T) {
	for _, test := range []struct {
		docType DocType
		want    bool
	}{
		{docType: DocTypeLeaf, want: true},
		{docType: DocTypePlain, want: false},
		{docType: DocTypeNewNote, want: false},
		{docType: DocTypeNotes, want: false},
	} {
		t.Run(string(test.docType), func(t *testing.T) {
			n := &Note{Type: test.docType}
			if got := n.IsLeaf(); got != test.want {
				t.Errorf("IsLeaf() = %v, want %v", got, test.want)
			}
		})
	}
}
