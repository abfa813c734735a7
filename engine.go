package livesync

import (
	"context"
	"fmt"
	"sync"
)

// LeafCacheCapacity bounds the number of (payload -> leaf id) and
// (leaf id -> payload) entries the leaf cache retains.
const LeafCacheCapacity = 1000

// EngineOptions supplies the host application's concrete collaborators.
// Every field is an abstract interface from interfaces.go; the engine never
// embeds a transport, cipher, or UI of its own.
type EngineOptions struct {
	Opener    DatabaseOpener
	Connector RemoteConnector
	Enc       EncryptionEnabler // optional
	Ver       VersionChecker    // optional
	SizeFail  SizeFailureSignal // optional
	Log       Logger            // optional

	DBName string
	Config Config
}

// Engine is the assembled document-store replica: bootstrap/migration,
// content-addressed storage, leaf-arrival notification, milestone
// negotiation and replication, wired together behind the single surface a
// host application drives (initializeDatabase / getDBEntry / putDBEntry /
// openReplication / ... per the design's external-interfaces section).
//
// Grounded on the teacher's top-level Appender/Storage wiring (the root
// package constructs its subpackages' concrete pieces and exposes a single
// facade); here the root package *is* every piece, so Engine is simply the
// struct that holds them and forwards.
type Engine struct {
	opts EngineOptions

	mu      sync.RWMutex
	local   Handle
	ready   bool
	nodeID  string

	migrating bool

	boot  *Bootstrapper
	asm   *Assembler
	store *LeafStore
	waiter *LeafWaiter
	filter *FileFilter

	milestone *MilestoneNegotiator
	coord     *Coordinator

	changes ChangeStream
	cancelChanges context.CancelFunc
}

// NewEngine builds an Engine. The returned engine is not ready to serve
// requests until InitializeDatabase succeeds.
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		opts:   opts,
		waiter: NewLeafWaiter(),
		filter: NewFileFilter(opts.Config),
	}
}

func (e *Engine) logf(level LogLevel, format string, args ...any) {
	if e.opts.Log == nil {
		return
	}
	e.opts.Log.Log(fmt.Sprintf(format, args...), level, "engine")
}

// InitializeDatabase runs the bootstrap/migration state machine, then wires
// the assembler, milestone negotiator and replication coordinator against
// the resulting local handle. Per invariant 5, the engine is not Ready
// until this completes successfully.
func (e *Engine) InitializeDatabase(ctx context.Context) (InitResult, error) {
	e.mu.Lock()
	e.ready = false
	e.migrating = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.migrating = false
		e.mu.Unlock()
	}()

	e.boot = NewBootstrapper(e.opts.Opener, e.opts.Enc, e.opts.Ver, e.opts.Log, e.opts.DBName, e.opts.Config)
	local, result, err := e.boot.Init(ctx)
	if err != nil {
		return InitResult{}, err
	}

	store := NewLeafStore(local, LeafCacheCapacity, e.opts.Config.Encrypt, e.opts.Config.Passphrase)
	asm := NewAssembler(local, store, e.waiter, e.opts.Config, e.opts.Log)

	e.mu.Lock()
	e.local = local
	e.nodeID = result.NodeID
	e.store = store
	e.asm = asm
	e.mu.Unlock()

	e.subscribeLeafArrivals(ctx)

	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()

	e.logf(LogInfo, "database ready: node=%s migrated=%d new_node=%v", result.NodeID, result.MigratedDocs, result.NodeInfoWasNew)
	return result, nil
}

// subscribeLeafArrivals opens a live change feed over leaf documents and
// forwards each arrival to the leaf waiter, so GetEntry's WaitForReady path
// can wake. Mirrors the teacher's live checkpoint-notify wiring.
func (e *Engine) subscribeLeafArrivals(ctx context.Context) {
	if e.local == nil {
		return
	}
	changeCtx, cancel := context.WithCancel(ctx)
	stream, err := e.local.Changes(changeCtx, ChangesOptions{Live: true, FilterType: DocTypeLeaf})
	if err != nil {
		e.logf(LogWarning, "leaf-arrival subscription failed to start: %v", err)
		cancel()
		return
	}
	e.mu.Lock()
	e.changes = stream
	e.cancelChanges = cancel
	e.mu.Unlock()

	go func() {
		for {
			ev, err := stream.Next(changeCtx)
			if err != nil {
				return
			}
			if !ev.Deleted {
				e.waiter.LeafArrived(ev.ID)
			}
		}
	}()
}

// Ready reports whether InitializeDatabase has completed and no reset is
// currently in flight.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *Engine) requireReady() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.migrating {
		return ErrBusyWithMigration
	}
	if !e.ready {
		return ErrNotReady
	}
	return nil
}

// Close stops the leaf-arrival subscription, cancels any in-flight
// replication, and closes the local database handle. Safe to call more
// than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelChanges != nil {
		e.cancelChanges()
		e.cancelChanges = nil
	}
	if e.changes != nil {
		e.changes.Cancel()
		e.changes = nil
	}
	if e.coord != nil {
		e.coord.CloseReplication()
	}
	e.waiter.Cancel()

	var err error
	if e.local != nil {
		err = e.local.Close()
		e.local = nil
	}
	e.ready = false
	return err
}

// Onunload is an alias for Close matching the host application's unload
// hook naming (spec.md §6).
func (e *Engine) Onunload() error { return e.Close() }

// GetDBEntryMeta reads a note's metadata without materializing its data.
func (e *Engine) GetDBEntryMeta(ctx context.Context, id string, opt GetMetaOptions) (*Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	return e.asm.GetMeta(ctx, id, opt)
}

// GetDBEntry reads a note's metadata and materialized data.
func (e *Engine) GetDBEntry(ctx context.Context, id string, opt GetEntryOptions) (*Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	return e.asm.GetEntry(ctx, id, opt)
}

// PutDBEntry writes a note's data, chunking and deduplicating leaves.
func (e *Engine) PutDBEntry(ctx context.Context, note *Note, opt PutEntryOptions) (*Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	return e.asm.PutEntry(ctx, note, opt)
}

// DeleteDBEntry deletes a note.
func (e *Engine) DeleteDBEntry(ctx context.Context, id string, opt DeleteEntryOptions) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	return e.asm.DeleteEntry(ctx, id, opt)
}

// DeleteDBEntryPrefix deletes every note under prefix.
func (e *Engine) DeleteDBEntryPrefix(ctx context.Context, prefix string) (int, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	return e.asm.DeleteByPrefix(ctx, prefix)
}

// TryCreateRemoteDatabase connects to the remote and wires the milestone
// negotiator and replication coordinator against it. Must be called before
// OpenReplication.
func (e *Engine) TryCreateRemoteDatabase(ctx context.Context) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	remote, _, err := e.opts.Connector.Connect(ctx, e.opts.Config.CouchDBURI, e.opts.Config.CouchDBUser, e.opts.Config.CouchDBPassword, e.opts.Config.DisableRequestURI, e.opts.Config.Passphrase, e.opts.Config.Encrypt)
	if err != nil {
		return fmt.Errorf("engine: create remote database: %w", err)
	}
	if e.opts.Ver != nil {
		if err := e.opts.Ver.PutDesignDocuments(ctx, remote); err != nil {
			return fmt.Errorf("engine: remote design documents: %w", err)
		}
	}

	e.mu.Lock()
	e.milestone = NewMilestoneNegotiator(remote, e.nodeID, e.opts.Log)
	e.coord = NewCoordinator(e.opts.Connector, e.milestone, e.asm, e.opts.Log, e.opts.SizeFail, e.opts.Config, e.nodeID, ChunkVersionRange{Min: 1, Max: 1, Current: 1}, 1)
	e.mu.Unlock()
	return nil
}

// TryResetRemoteDatabase destroys and recreates the remote database.
func (e *Engine) TryResetRemoteDatabase(ctx context.Context) error {
	e.mu.RLock()
	milestone := e.milestone
	e.mu.RUnlock()
	if milestone == nil {
		return ErrNotReady
	}
	if err := milestone.remote.Destroy(ctx); err != nil {
		return fmt.Errorf("engine: destroy remote database: %w", err)
	}
	return e.TryCreateRemoteDatabase(ctx)
}

// OpenReplication starts replication against the connected remote.
func (e *Engine) OpenReplication(ctx context.Context, mode SyncMode, opt OpenReplicationOptions) error {
	e.mu.RLock()
	coord := e.coord
	e.mu.RUnlock()
	if coord == nil {
		return ErrNotReady
	}
	return coord.OpenReplication(ctx, mode, opt)
}

// ReplicateAllToServer forces a one-shot push of every local document.
func (e *Engine) ReplicateAllToServer(ctx context.Context) error {
	e.mu.RLock()
	coord := e.coord
	e.mu.RUnlock()
	if coord == nil {
		return ErrNotReady
	}
	return coord.ReplicateAllToServer(ctx)
}

// CloseReplication cancels any running replication.
func (e *Engine) CloseReplication() {
	e.mu.RLock()
	coord := e.coord
	e.mu.RUnlock()
	if coord != nil {
		coord.CloseReplication()
	}
}

// MarkRemoteLocked locks or unlocks the remote milestone.
func (e *Engine) MarkRemoteLocked(ctx context.Context, locked bool) error {
	e.mu.RLock()
	milestone := e.milestone
	e.mu.RUnlock()
	if milestone == nil {
		return ErrNotReady
	}
	return milestone.MarkLocked(ctx, locked)
}

// MarkRemoteResolved adds this node to the milestone's accepted set.
func (e *Engine) MarkRemoteResolved(ctx context.Context) error {
	e.mu.RLock()
	milestone := e.milestone
	e.mu.RUnlock()
	if milestone == nil {
		return ErrNotReady
	}
	return milestone.MarkResolved(ctx)
}

// ResetDatabase destroys and re-bootstraps the local database.
func (e *Engine) ResetDatabase(ctx context.Context) (InitResult, error) {
	e.mu.Lock()
	current := e.local
	e.ready = false
	e.migrating = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.migrating = false
		e.mu.Unlock()
	}()

	e.boot = NewBootstrapper(e.opts.Opener, e.opts.Enc, e.opts.Ver, e.opts.Log, e.opts.DBName, e.opts.Config)
	local, result, err := e.boot.ResetDatabase(ctx, current)
	if err != nil {
		return InitResult{}, err
	}

	store := NewLeafStore(local, LeafCacheCapacity, e.opts.Config.Encrypt, e.opts.Config.Passphrase)
	asm := NewAssembler(local, store, e.waiter, e.opts.Config, e.opts.Log)

	e.mu.Lock()
	e.local = local
	e.nodeID = result.NodeID
	e.store = store
	e.asm = asm
	e.ready = true
	e.mu.Unlock()

	e.subscribeLeafArrivals(ctx)
	return result, nil
}

// ResetLocalOldDatabase destroys only the stale pre-migration generation.
func (e *Engine) ResetLocalOldDatabase(ctx context.Context) error {
	if e.boot == nil {
		return ErrNotReady
	}
	return e.boot.ResetLocalOldDatabase(ctx)
}

// SanCheck verifies that note's children are all present locally.
func (e *Engine) SanCheck(ctx context.Context, note *Note) (bool, error) {
	if err := e.requireReady(); err != nil {
		return false, err
	}
	checker := NewSanChecker(e.local, e.asm)
	return checker.SanCheck(ctx, note)
}

// IsVersionUpgradable reports whether no version-upgrade notice is set
// (Config.VersionUpFlash is empty), i.e. whether replication is not
// inhibited pending a required version upgrade.
func (e *Engine) IsVersionUpgradable() bool {
	return e.opts.Config.VersionUpFlash == ""
}

// IsTargetFile reports whether path participates in sync.
func (e *Engine) IsTargetFile(path string) bool {
	return e.filter.IsTargetFile(path)
}

// DrainCorrupted returns and clears the ids found corrupted since the last
// call.
func (e *Engine) DrainCorrupted() map[string]struct{} {
	if e.asm == nil {
		return nil
	}
	return e.asm.DrainCorrupted()
}
