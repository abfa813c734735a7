package livesync

import "regexp"

// Config carries every option the core recognizes. The core never reads
// files or environment itself — config persistence is an external-application
// concern (see SPEC_FULL.md §6) — callers construct this directly, or via a thin
// loader such as cmd/livesync-ctl's TOML loader.
type Config struct {
	// UseHistory disables auto-compaction on the local database when true.
	UseHistory bool

	// Encrypt turns on content encryption of leaves; Passphrase is mixed
	// into the leaf hash when set. The cipher itself is supplied by the
	// host application via EncryptionEnabler; this package never defines it.
	Encrypt    bool
	Passphrase string

	// ReadChunksOnline switches GetEntry to use CollectChunks (a single
	// local allDocs call with remote fallback) instead of per-leaf gets,
	// and enables the replicate/push and replicate/pull filters.
	ReadChunksOnline bool

	// CustomChunkSize multiplies MaxDocSizeBin for the binary chunk size.
	CustomChunkSize int

	// DeleteMetadataOfDeletedFiles forces a hard delete (tombstone
	// revision) rather than a soft delete (tombstone flag) on DeleteEntry.
	DeleteMetadataOfDeletedFiles bool

	// SyncOnlyRegEx, if set, excludes any path that does not match.
	// SyncIgnoreRegEx, if set, excludes any path that matches.
	SyncOnlyRegEx   *regexp.Regexp
	SyncIgnoreRegEx *regexp.Regexp

	// BatchSize and BatchesLimit pace replication. When a one-shot pass is
	// size-rejected, the coordinator retries it with both set to
	// ceil(n/2)+2 on a copy of the Config; the next OpenReplication starts
	// again from these values. Continuous sync never changes them.
	BatchSize    int
	BatchesLimit int

	// DisableRequestURI forces same-origin transport to the remote.
	DisableRequestURI bool

	CouchDBURI      string
	CouchDBDBName   string
	CouchDBUser     string
	CouchDBPassword string

	// IgnoreVersionCheck bypasses the milestone chunk-version compatibility
	// check on connection.
	IgnoreVersionCheck bool

	// VersionUpFlash, when non-empty, inhibits replication entirely (the
	// host application is showing the operator a required-upgrade notice).
	VersionUpFlash string
}

// Clone returns a shallow copy suitable for the adaptive batch-size backoff
// in the replication coordinator, which mutates BatchSize/BatchesLimit on
// the copy and leaves the original Config untouched.
func (c Config) Clone() Config {
	return c
}

const (
	// MaxDocSizeBin is the binary chunk size unit; effective binary piece
	// size is MaxDocSizeBin * CustomChunkSize.
	MaxDocSizeBin = 1024 * 128 // 128 KiB

	// MaxDocSize is the piece size used for plain-text splitting when
	// saveAsBigChunk is not requested.
	MaxDocSize = 1024 * 100 // 100 KiB

	// LeafWaitTimeoutDefault is the default hard timeout for a single
	// leaf-arrival wait.
	LeafWaitTimeoutDefault = 60 // seconds, see waiter.go for the time.Duration form

	minMinimumChunkSize = 40
)
