package livesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeConnector hands back a single pre-built remote Handle, standing in
// for a RemoteConnector.Connect call against a live database.
type fakeConnector struct {
	h Handle
}

func (f *fakeConnector) Connect(ctx context.Context, uri string, user, password string, disableRequestURI bool, passphrase string, hasPassphrase bool) (Handle, DBInfo, error) {
	return f.h, DBInfo{}, nil
}

// fakeSizeSignal is a SizeFailureSignal whose answer is fixed for the
// whole test, standing in for a transport that always reports the most
// recent failure as a size rejection.
type fakeSizeSignal struct {
	failedBySize bool
}

func (f *fakeSizeSignal) GetLastPostFailedBySize() bool { return f.failedBySize }

// capturingLogger records every message logged, so a test can assert on
// the adaptive-backoff floor's "cannot replicate lower" notice.
type capturingLogger struct {
	messages []string
}

func (l *capturingLogger) Log(msg string, level LogLevel, key string) {
	l.messages = append(l.messages, msg)
}

func (l *capturingLogger) contains(substr string) bool {
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type sizeRejectStream struct {
	events chan ReplicationStreamEvent
}

func (s *sizeRejectStream) Events() <-chan ReplicationStreamEvent { return s.events }
func (s *sizeRejectStream) Cancel()                               {}

// sizeRejectHandle is a local Handle whose every Replicate call fails as
// if the remote had rejected the request for exceeding a size limit,
// counting how many times it was asked to run, so retryWithSmallerBatch's
// halving sequence can be verified.
type sizeRejectHandle struct {
	*fakeHandle
	calls int
}

func (h *sizeRejectHandle) Replicate(ctx context.Context, dir ReplicationDirection, remote Handle, opts ReplicateOptions) (ReplicationStream, error) {
	h.calls++
	ch := make(chan ReplicationStreamEvent, 2)
	ch <- ReplicationStreamEvent{Kind: ReplicationActive}
	ch <- ReplicationStreamEvent{Kind: ReplicationError, Err: fmt.Errorf("simulated: request body too large")}
	close(ch)
	return &sizeRejectStream{events: ch}, nil
}

// TestScenario6SizeBackoffFloor reproduces spec.md §8 scenario 6: a
// one-shot push that is rejected as too large retries with
// batch_size/batches_limit halved (plus 2, ceiling) each time, and after
// three consecutive halvings reach <=5 the coordinator gives up with
// ErrBatchSizeFloor and a "cannot replicate lower" log line, rather than
// retrying forever.
func TestScenario6SizeBackoffFloor(t *testing.T) {
	ctx := context.Background()

	remote := newFakeHandle()
	milestone := NewMilestoneNegotiator(remote, "node-a", nil)

	local := &sizeRejectHandle{fakeHandle: newFakeHandle()}
	store := NewLeafStore(local, 10, false, "")
	asm := NewAssembler(local, store, NewLeafWaiter(), Config{}, nil)

	logger := &capturingLogger{}
	sizeSignal := &fakeSizeSignal{failedBySize: true}
	connector := &fakeConnector{h: remote}
	cfg := Config{BatchSize: 10, BatchesLimit: 10}

	// chunkVersion<0 disables the version-range gate so only the
	// size-backoff path under test is exercised.
	coord := NewCoordinator(connector, milestone, asm, logger, sizeSignal, cfg, "node-a", ChunkVersionRange{Min: 1, Max: 1}, -1)

	err := coord.OpenReplication(ctx, ModePushOnly, OpenReplicationOptions{})
	if !errors.Is(err, ErrBatchSizeFloor) {
		t.Fatalf("OpenReplication returned %v, want ErrBatchSizeFloor", err)
	}
	if local.calls != 3 {
		t.Errorf("Replicate was attempted %d times, want 3 (orig, then two halvings before the floor)", local.calls)
	}
	if !logger.contains("cannot replicate lower") {
		t.Errorf("expected a log message containing %q, got %v", "cannot replicate lower", logger.messages)
	}
	if coord.State() != Errored {
		t.Errorf("State() = %v, want Errored", coord.State())
	}
}

// TestScenario4MilestoneVersionMismatchRejectsReplicationUnlessIgnored
// reproduces spec.md §8 scenario 4: a remote milestone with an accepted
// peer's chunk-version range of [3,4], checked against this node's own
// version 1 (local range [0,2]), fails the connection check unless
// ignoreVersionCheck is set.
func TestScenario4MilestoneVersionMismatchRejectsReplicationUnlessIgnored(t *testing.T) {
	ctx := context.Background()
	remote := newFakeHandle()

	other := NewMilestoneNegotiator(remote, "node-other", nil)
	if _, err := other.CheckConnection(ctx, ChunkVersionRange{Min: 3, Max: 4}, -1, false); err != nil {
		t.Fatalf("seed node-other range: %v", err)
	}
	if err := other.MarkResolved(ctx); err != nil {
		t.Fatalf("MarkResolved node-other: %v", err)
	}

	local := newFakeHandle()
	store := NewLeafStore(local, 10, false, "")
	asm := NewAssembler(local, store, NewLeafWaiter(), Config{}, nil)
	connector := &fakeConnector{h: remote}
	localRange := ChunkVersionRange{Min: 0, Max: 2, Current: 1}

	rejecting := NewCoordinator(connector, NewMilestoneNegotiator(remote, "node-a", nil), asm, nil, nil, Config{IgnoreVersionCheck: false}, "node-a", localRange, 1)
	if _, err := rejecting.connectAndCheck(ctx); !errors.Is(err, ErrVersionIncompatible) {
		t.Errorf("connectAndCheck against a fleet range [3,4] with version 1 returned %v, want ErrVersionIncompatible", err)
	}

	allowing := NewCoordinator(connector, NewMilestoneNegotiator(remote, "node-a", nil), asm, nil, nil, Config{IgnoreVersionCheck: true}, "node-a", localRange, 1)
	if _, err := allowing.connectAndCheck(ctx); err != nil {
		t.Errorf("connectAndCheck with IgnoreVersionCheck=true returned %v, want nil", err)
	}
}
