package livesync

import (
	"context"
	"encoding/json"
	"time"
)

// Handle is the abstract local-or-remote document database the core
// operates through. The underlying document database primitive itself
// (get/put/bulk/allDocs/changes/replicate) is out of scope for this
// package; Handle is the interface the host application's concrete
// database implements to supply it. See internal/dbadapter for reference
// adapters (mysql, gcs, spanner, and an in-memory one used by tests).
type Handle interface {
	// Get fetches a single document by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (doc json.RawMessage, rev string, err error)

	// Put writes a document under id. If force is true the write proceeds
	// even if rev does not match the document's current revision (the
	// "force semantics" putEntry uses after copying the prior revision
	// onto the new metadata document).
	Put(ctx context.Context, id string, rev string, doc any, force bool) (newRev string, err error)

	// BulkDocs writes many documents in one round trip. Per-item results
	// are returned in the same order as docs; a per-item ErrConflict is
	// the caller's signal to tolerate that one item silently.
	BulkDocs(ctx context.Context, docs []BulkDoc) ([]BulkResult, error)

	// AllDocs pages over the id namespace, optionally restricted to a
	// specific key set (CollectChunks / DeleteByPrefix use this both ways).
	AllDocs(ctx context.Context, opts AllDocsOptions) (AllDocsResult, error)

	// Changes opens a (optionally live) change feed.
	Changes(ctx context.Context, opts ChangesOptions) (ChangeStream, error)

	// Replicate starts a one-shot or continuous replication against remote
	// in the given direction.
	Replicate(ctx context.Context, dir ReplicationDirection, remote Handle, opts ReplicateOptions) (ReplicationStream, error)

	Info(ctx context.Context) (DBInfo, error)
	Destroy(ctx context.Context) error
	Close() error
}

// BulkDoc is one document in a BulkDocs call.
type BulkDoc struct {
	ID  string
	Rev string
	Doc any
}

// BulkResult is the per-item outcome of a BulkDocs call.
type BulkResult struct {
	ID    string
	Rev   string
	Error error // nil, or wraps ErrConflict, or another error
}

// AllDocsOptions restricts or pages an AllDocs call.
type AllDocsOptions struct {
	Keys        []string // if set, fetch exactly these ids (order-preserving)
	StartKey    string
	Limit       int
	IncludeDocs bool
}

// AllDocsRow is one row of an AllDocs result.
type AllDocsRow struct {
	ID    string
	Rev   string
	Doc   json.RawMessage // nil unless IncludeDocs was set
	Error error           // set when the row is an individual miss
}

// AllDocsResult is the response to an AllDocs call.
type AllDocsResult struct {
	TotalRows int
	Rows      []AllDocsRow
}

// ChangesOptions configures a change feed subscription.
type ChangesOptions struct {
	Live       bool
	Since      string
	FilterType DocType // changes filtered to this document type; empty = all
	IncludeDeleted bool
}

// ChangeEvent is one entry delivered by a ChangeStream.
type ChangeEvent struct {
	ID      string
	Rev     string
	Deleted bool
	Doc     json.RawMessage
}

// ChangeStream is a cancellable subscription to a change feed.
type ChangeStream interface {
	// Next blocks until the next change or ctx is done.
	Next(ctx context.Context) (ChangeEvent, error)
	Cancel()
}

// ReplicationDirection selects which way documents flow in a Replicate call.
type ReplicationDirection int

const (
	// ReplicateSync is bidirectional (the underlying handle's "sync").
	ReplicateSync ReplicationDirection = iota
	// ReplicatePull pulls from remote into the local handle.
	ReplicatePull
	// ReplicatePush pushes from the local handle to remote.
	ReplicatePush
)

// ReplicateOptions configures one Replicate call.
type ReplicateOptions struct {
	Live      bool
	Filter    string // e.g. "replicate/pull" or "replicate/push"
	Heartbeat time.Duration
	Retry     bool
	BatchSize    int
	BatchesLimit int
	// CheckpointSource, when true, checkpoints against the source side
	// rather than the target side. The replication coordinator does not
	// set it.
	CheckpointSource bool
}

// ReplicationEventKind enumerates the events a ReplicationStream delivers.
type ReplicationEventKind int

const (
	ReplicationActive ReplicationEventKind = iota
	ReplicationChange
	ReplicationPaused
	ReplicationComplete
	ReplicationDenied
	ReplicationError
)

// ReplicationChangeInfo is carried on a ReplicationChange event.
type ReplicationChangeInfo struct {
	Direction ReplicationDirection
	Docs      []json.RawMessage
}

// ReplicationStreamEvent is one event delivered by a ReplicationStream.
type ReplicationStreamEvent struct {
	Kind   ReplicationEventKind
	Change ReplicationChangeInfo
	Err    error
}

// ReplicationStream is a running replication the coordinator observes.
type ReplicationStream interface {
	Events() <-chan ReplicationStreamEvent
	Cancel()
}

// DBInfo is the subset of database info the core consults (document count,
// which bootstrap uses to decide whether an old generation needs migrating).
type DBInfo struct {
	Name      string
	DocCount  int64
	UpdateSeq string
}

// LocalDBOptions configures a local database open call.
type LocalDBOptions struct {
	RevsLimit         int
	DeterministicRevs bool
	AutoCompaction    bool
	SkipSetup         bool
}

// DatabaseOpener creates or opens a named local database handle. This is
// the createLocalDatabase(name, opts) abstract collaborator.
type DatabaseOpener interface {
	OpenLocalDatabase(ctx context.Context, name string, opts LocalDBOptions) (Handle, error)
}

// RemoteConnector connects to a named remote database, yielding a Handle.
// Implementations supply authentication and transport; this package only
// ever calls through the returned Handle.
type RemoteConnector interface {
	Connect(ctx context.Context, uri string, user, password string, disableRequestURI bool, passphrase string, hasPassphrase bool) (Handle, DBInfo, error)
}

// PathMapper is the external path<->document-id bijection (left abstract
// per the design: UI/path conventions are a host-application concern).
type PathMapper interface {
	Path2ID(path string) (string, error)
	ID2Path(id string) (string, error)
}

// EncryptionEnabler attaches the host's encryption transform to an existing
// database handle (used during bootstrap when migrating an encrypted old
// generation). The cipher itself is out of scope for this package.
type EncryptionEnabler interface {
	EnableEncryption(ctx context.Context, h Handle, passphrase string, legacy bool) error
}

// VersionChecker deploys and validates the remote's schema (design
// documents). This package calls PutDesignDocuments during bootstrap and
// when connecting a remote; it does not call CheckRemoteVersion.
type VersionChecker interface {
	CheckRemoteVersion(ctx context.Context, h Handle, migrate func(ctx context.Context, oldVersion int) error, wantVersion int) error
	PutDesignDocuments(ctx context.Context, h Handle) error
}

// LogLevel mirrors the source's logger levels.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogNotice
	LogWarning
	LogError
	LogVerbose
)

// Logger is the structured log sink supplied by the host application.
type Logger interface {
	Log(msg string, level LogLevel, key string)
}

// SizeFailureSignal reports whether the most recent transport failure was
// caused by a request exceeding a size limit; the replication coordinator
// uses it to decide whether to retry with smaller batches.
type SizeFailureSignal interface {
	GetLastPostFailedBySize() bool
}
