// Package livesync implements a bidirectionally replicated, content-
// addressed document store for small structured records ("notes"). Payloads
// are transparently chunked into immutable, hash-addressed leaves,
// deduplicated across the store, optionally encrypted, and synchronized
// against a remote replica of a multi-master document database.
//
// The package does not implement the underlying document database, the
// transport to a remote, or any UI; those are supplied by the host
// application through the Handle, RemoteConnector and related interfaces
// in interfaces.go.
package livesync

import "fmt"

// DocType discriminates the documents sharing the single id namespace.
type DocType string

const (
	// DocTypeLeaf marks an immutable, content-addressed storage leaf.
	DocTypeLeaf DocType = "leaf"
	// DocTypePlain is the current note form for plain-text files.
	DocTypePlain DocType = "plain"
	// DocTypeNewNote is the current note form for binary/opaque files.
	DocTypeNewNote DocType = "newnote"
	// DocTypeNotes is the legacy flat note form: inline data, no children.
	// The store reads it but never writes it.
	DocTypeNotes DocType = "notes"
	// DocTypeNodeInfo marks the singleton local node-identity document.
	DocTypeNodeInfo DocType = "nodeinfo"
	// DocTypeMilestone marks the singleton remote milestone document.
	DocTypeMilestone DocType = "milestoneinfo"
)

// NodeInfoDocID is the fixed id of the singleton node-identity document.
const NodeInfoDocID = "NODEINFO_DOCID"

// MilestoneDocID is the fixed id of the singleton milestone document,
// stored on the remote.
const MilestoneDocID = "MILSTONE_DOCID"

// LeafIDPrefix is the prefix shared by every leaf document id.
const LeafIDPrefix = "h:"

// EncryptedLeafIDMarker follows LeafIDPrefix when the leaf's hash is the
// piece's hash XORed with the passphrase's hash.
const EncryptedLeafIDMarker = "+"

// Leaf is an immutable, content-addressed chunk of a note's payload.
// Leaves are owned by the store and referenced by zero or more notes;
// deletion is by compaction only, never by this package.
type Leaf struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev,omitempty"`
	Type DocType `json:"type"`
	Data string `json:"data"`
}

// Note is the metadata-and-children form of a logical document. Concatenating
// the Data of each leaf named in Children, in order, reconstitutes the
// payload. DocTypeNotes is the legacy flat form and carries Data inline with
// no Children; it is never produced by PutEntry, only read.
type Note struct {
	ID       string  `json:"_id"`
	Rev      string  `json:"_rev,omitempty"`
	Type     DocType `json:"type"`
	Ctime    int64   `json:"ctime"`
	Mtime    int64   `json:"mtime"`
	Size     int64   `json:"size"`
	Children []string `json:"children,omitempty"`
	Deleted  bool    `json:"deleted,omitempty"`

	// Data is populated only by GetEntry (never stored on the
	// "newnote"/"plain" forms; inline only for the legacy "notes" form).
	Data string `json:"data,omitempty"`
}

// IsLeaf reports whether a note document is actually a leaf sharing the
// namespace; callers must treat this as "not an entry".
func (n *Note) IsLeaf() bool { return n.Type == DocTypeLeaf }

// ChunkVersionRange is a node's advertised supported chunk-format version
// range, plus the version it's currently using.
type ChunkVersionRange struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Current int `json:"current"`
}

// NodeInfo is the singleton document identifying this replica.
type NodeInfo struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Type    DocType `json:"type"`
	NodeID  string `json:"nodeid"`
	V20220607 bool `json:"v20220607"`
}

// Milestone is the singleton remote document advertising each node's
// supported chunk-format version range and the fleet's lock state.
type Milestone struct {
	ID             string                       `json:"_id"`
	Rev            string                       `json:"_rev,omitempty"`
	Type           DocType                      `json:"type"`
	Created        int64                        `json:"created"`
	Locked         bool                         `json:"locked"`
	AcceptedNodes  []string                     `json:"accepted_nodes"`
	NodeChunkInfo  map[string]ChunkVersionRange `json:"node_chunk_info"`
}

// HasAcceptedNode reports whether nodeID is present in AcceptedNodes.
func (m *Milestone) HasAcceptedNode(nodeID string) bool {
	for _, n := range m.AcceptedNodes {
		if n == nodeID {
			return true
		}
	}
	return false
}

// LeafID formats a leaf document id from a hash-prefix and collision
// suffix (q == 0 omits the suffix).
func LeafID(hashHex string, q int) string {
	if q == 0 {
		return LeafIDPrefix + hashHex
	}
	return fmt.Sprintf("%s%s%d", LeafIDPrefix, hashHex, q)
}
