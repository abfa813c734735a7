package livesync

import (
	"context"
	"encoding/json"
	"fmt"
)

// MilestoneNegotiator reconciles chunk-format version compatibility across
// a fleet of nodes via the shared remote milestone document (C6).
//
// Grounded on the teacher's ensureVersion read-or-create-then-compare
// pattern (storage/posix/files.go), generalized from a single compatibility
// integer to a per-node (min,max,current) range map.
type MilestoneNegotiator struct {
	remote  Handle
	nodeID  string
	log     Logger
}

// NewMilestoneNegotiator builds a negotiator for this node against remote.
func NewMilestoneNegotiator(remote Handle, nodeID string, log Logger) *MilestoneNegotiator {
	return &MilestoneNegotiator{remote: remote, nodeID: nodeID, log: log}
}

// ConnectionCheckResult is returned by CheckConnection.
type ConnectionCheckResult struct {
	GlobalMin                      int
	GlobalMax                      int
	RemoteLockedAndDeviceNotAccepted bool
}

func (n *MilestoneNegotiator) fetch(ctx context.Context) (*Milestone, error) {
	raw, rev, err := n.remote.Get(ctx, MilestoneDocID)
	if err != nil {
		if isNotFound(err) {
			return &Milestone{
				ID:            MilestoneDocID,
				Type:          DocTypeMilestone,
				NodeChunkInfo: make(map[string]ChunkVersionRange),
			}, nil
		}
		return nil, fmt.Errorf("milestone: fetch: %w", err)
	}
	var m Milestone
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("milestone: decode: %w", err)
	}
	m.Rev = rev
	if m.NodeChunkInfo == nil {
		m.NodeChunkInfo = make(map[string]ChunkVersionRange)
	}
	return &m, nil
}

func (n *MilestoneNegotiator) write(ctx context.Context, m *Milestone) error {
	newRev, err := n.remote.Put(ctx, MilestoneDocID, m.Rev, m, true)
	if err != nil {
		return fmt.Errorf("milestone: write: %w", err)
	}
	m.Rev = newRev
	return nil
}

// CheckConnection performs one connection-check cycle per spec.md §4.6:
// fetch-or-default the milestone, merge this node's current range in if
// missing or changed, recompute the global (min,max) over accepted nodes,
// and fail if chunkVersion is out of range or the remote is locked against
// this node.
func (n *MilestoneNegotiator) CheckConnection(ctx context.Context, currentRange ChunkVersionRange, chunkVersion int, ignoreVersionCheck bool) (ConnectionCheckResult, error) {
	m, err := n.fetch(ctx)
	if err != nil {
		return ConnectionCheckResult{}, err
	}

	existing, hasExisting := m.NodeChunkInfo[n.nodeID]
	if !hasExisting || existing.Min != currentRange.Min || existing.Max != currentRange.Max {
		m.NodeChunkInfo[n.nodeID] = currentRange
		if err := n.write(ctx, m); err != nil {
			return ConnectionCheckResult{}, err
		}
	}

	globalMin, globalMax := currentRange.Min, currentRange.Max
	for i, acceptedID := range m.AcceptedNodes {
		// A node absent from node_chunk_info contributes (min=0, max=0) —
		// "unknown/incompatible" — rather than being skipped.
		info := m.NodeChunkInfo[acceptedID]
		if i == 0 {
			globalMin, globalMax = info.Min, info.Max
			continue
		}
		if info.Min > globalMin {
			globalMin = info.Min
		}
		if info.Max < globalMax {
			globalMax = info.Max
		}
	}

	result := ConnectionCheckResult{GlobalMin: globalMin, GlobalMax: globalMax}

	if chunkVersion >= 0 && !ignoreVersionCheck {
		if chunkVersion < globalMin || chunkVersion > globalMax {
			return result, fmt.Errorf("%w: version %d outside fleet range [%d,%d]", ErrVersionIncompatible, chunkVersion, globalMin, globalMax)
		}
	}

	if m.Locked && !m.HasAcceptedNode(n.nodeID) {
		result.RemoteLockedAndDeviceNotAccepted = true
		return result, ErrRemoteLocked
	}

	return result, nil
}

// MarkLocked explicitly writes the milestone's lock flag. Locking replaces
// AcceptedNodes with just this node.
func (n *MilestoneNegotiator) MarkLocked(ctx context.Context, locked bool) error {
	m, err := n.fetch(ctx)
	if err != nil {
		return err
	}
	m.Locked = locked
	if locked {
		m.AcceptedNodes = []string{n.nodeID}
	}
	return n.write(ctx, m)
}

// MarkResolved adds this node to AcceptedNodes and writes the milestone.
func (n *MilestoneNegotiator) MarkResolved(ctx context.Context) error {
	m, err := n.fetch(ctx)
	if err != nil {
		return err
	}
	if !m.HasAcceptedNode(n.nodeID) {
		m.AcceptedNodes = append(m.AcceptedNodes, n.nodeID)
	}
	return n.write(ctx, m)
}
