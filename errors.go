package livesync

import "errors"

// Sentinel errors for the error kinds named in the design's error handling
// section. Callers should use errors.Is against these rather than matching
// on string content.
var (
	// ErrNotFound is returned when a requested document does not exist.
	// Most internal callers absorb this rather than propagate it: reads
	// return an absent entry, deletes are no-ops.
	ErrNotFound = errors.New("livesync: document not found")

	// ErrConflict is returned by a bulk leaf write for an individual item
	// that lost a race with another writer. Tolerated silently by the
	// leaf store.
	ErrConflict = errors.New("livesync: conflicting write")

	// ErrVersionIncompatible is returned by a connection check when this
	// node's chunk-format version falls outside the negotiated global
	// range and the operator has not set IgnoreVersionCheck.
	ErrVersionIncompatible = errors.New("livesync: chunk version incompatible with fleet")

	// ErrRemoteLocked is returned by a connection check when the remote
	// milestone is locked and this node is not among the accepted nodes.
	ErrRemoteLocked = errors.New("livesync: remote database locked; rebuild or unlock required")

	// ErrMigrationFailed is returned when copying the old-generation
	// database into the new generation fails. The engine stays not
	// ready; the operator must drop the old generation manually.
	ErrMigrationFailed = errors.New("livesync: migration from old generation failed; drop it manually")

	// ErrLeafWaitTimeout is returned when a caller waiting for an
	// in-flight leaf to arrive via replication times out.
	ErrLeafWaitTimeout = errors.New("livesync: timed out waiting for leaf to arrive")

	// ErrReplicationBusy is returned when a sync is requested while
	// another one is already in flight; the singleton sync handler
	// rejects rather than queues contending callers.
	ErrReplicationBusy = errors.New("livesync: replication already in progress")

	// ErrBatchSizeFloor is returned when adaptive backoff has halved the
	// batch parameters down to the floor without success.
	ErrBatchSizeFloor = errors.New("livesync: cannot replicate at a lower batch size")

	// ErrNotReady is returned by operations that require a successfully
	// bootstrapped engine when bootstrap/migration has not completed.
	ErrNotReady = errors.New("livesync: engine not ready")

	// ErrBusyWithMigration is returned when an operation that requires
	// the engine to be "ready" is attempted while a bootstrap/migration
	// is in flight (invariant 5: never ready concurrently with a running
	// migration).
	ErrBusyWithMigration = errors.New("livesync: bootstrap/migration in progress")

	// ErrLeafIsNotAnEntry is returned when a delete targets a document id
	// that resolves to a leaf rather than a note. Reads of a leaf id return
	// ErrNotFound instead.
	ErrLeafIsNotAnEntry = errors.New("livesync: id refers to a leaf, not an entry")
)
