package livesync

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

const (
	newGenerationSuffix = "-livesync-v2"
	oldGenerationSuffix = "-livesync"
	nodeInfoVersionFlag = true
)

// Bootstrapper drives the database bootstrap/migration state machine (C8):
// detecting an older local database generation, copying its contents to a
// new generation, and publishing design documents and the local node
// identity.
//
// Grounded on the teacher's initialise(create bool) + ensureVersion
// (storage/posix/files.go): open-or-create the state directory, then
// validate/upgrade a persisted compatibility marker before declaring the
// storage usable.
type Bootstrapper struct {
	opener   DatabaseOpener
	enc      EncryptionEnabler
	ver      VersionChecker
	log      Logger
	dbName   string
	cfg      Config

	ready bool
}

// NewBootstrapper builds a bootstrapper for database dbName.
func NewBootstrapper(opener DatabaseOpener, enc EncryptionEnabler, ver VersionChecker, log Logger, dbName string, cfg Config) *Bootstrapper {
	return &Bootstrapper{opener: opener, enc: enc, ver: ver, log: log, dbName: dbName, cfg: cfg}
}

// Ready reports whether a prior Init call completed successfully and no
// subsequent reset has invalidated it. Per invariant 5, callers must not
// treat the engine as ready while a bootstrap/migration is in flight; this
// flag is only ever flipped true at the very end of a successful Init.
func (b *Bootstrapper) Ready() bool { return b.ready }

// InitResult reports what Init actually did, for logging/diagnostics.
type InitResult struct {
	MigratedDocs int
	NodeID       string
	NodeInfoWasNew bool
}

// Init runs the bootstrap/migration state machine:
//  1. Open the new-generation local database.
//  2. Check for an old-generation database (skip_setup=true).
//     - absent, or present with zero documents: skip migration.
//     - present with documents: replicate old -> new, then destroy old on
//       success, or mark not-ready and return ErrMigrationFailed on failure.
//  3. Ensure a node-info document exists (generating a nodeid if new),
//     publish design documents, and mark ready.
func (b *Bootstrapper) Init(ctx context.Context) (Handle, InitResult, error) {
	b.ready = false

	newDB, err := b.opener.OpenLocalDatabase(ctx, b.dbName+newGenerationSuffix, LocalDBOptions{
		RevsLimit:         100,
		DeterministicRevs: true,
		AutoCompaction:    !b.cfg.UseHistory,
	})
	if err != nil {
		return nil, InitResult{}, fmt.Errorf("bootstrap: open new generation: %w", err)
	}

	oldDB, err := b.opener.OpenLocalDatabase(ctx, b.dbName+oldGenerationSuffix, LocalDBOptions{SkipSetup: true})
	result := InitResult{}
	if err == nil {
		info, infoErr := oldDB.Info(ctx)
		if infoErr != nil {
			return nil, InitResult{}, fmt.Errorf("bootstrap: stat old generation: %w", infoErr)
		}
		if info.DocCount > 0 {
			if b.cfg.Encrypt && b.enc != nil {
				if err := b.enc.EnableEncryption(ctx, oldDB, b.cfg.Passphrase, true); err != nil {
					return nil, InitResult{}, fmt.Errorf("bootstrap: enable encryption on old generation: %w", err)
				}
			}
			b.logf(LogInfo, "migrating %d document(s) from old generation", info.DocCount)
			stream, err := oldDB.Replicate(ctx, ReplicatePush, newDB, ReplicateOptions{BatchSize: 25, BatchesLimit: 10})
			if err != nil {
				b.logf(LogNotice, "migration failed to start: %v; drop %s manually", err, b.dbName+oldGenerationSuffix)
				return nil, InitResult{}, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
			}
			if err := drainOneShot(ctx, stream); err != nil {
				b.logf(LogNotice, "migration failed: %v; drop %s manually", err, b.dbName+oldGenerationSuffix)
				return nil, InitResult{}, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
			}
			if err := oldDB.Destroy(ctx); err != nil {
				b.logf(LogNotice, "migration succeeded but failed to destroy old generation: %v", err)
			}
			result.MigratedDocs = int(info.DocCount)
		} else {
			_ = oldDB.Close()
		}
	}

	nodeID, wasNew, err := b.ensureNodeInfo(ctx, newDB)
	if err != nil {
		return nil, InitResult{}, fmt.Errorf("bootstrap: node info: %w", err)
	}
	result.NodeID = nodeID
	result.NodeInfoWasNew = wasNew

	if b.ver != nil {
		if err := b.ver.PutDesignDocuments(ctx, newDB); err != nil {
			return nil, InitResult{}, fmt.Errorf("bootstrap: design documents: %w", err)
		}
	}

	b.ready = true
	return newDB, result, nil
}

func (b *Bootstrapper) ensureNodeInfo(ctx context.Context, db Handle) (string, bool, error) {
	raw, rev, err := db.Get(ctx, NodeInfoDocID)
	if err == nil {
		var info NodeInfo
		if jerr := json.Unmarshal(raw, &info); jerr != nil {
			return "", false, fmt.Errorf("decode node info: %w", jerr)
		}
		info.Rev = rev
		return info.NodeID, false, nil
	}
	if !isNotFound(err) {
		return "", false, err
	}

	nodeID, err := randomBase36(10)
	if err != nil {
		return "", false, err
	}
	info := &NodeInfo{ID: NodeInfoDocID, Type: DocTypeNodeInfo, NodeID: nodeID, V20220607: nodeInfoVersionFlag}
	if _, err := db.Put(ctx, NodeInfoDocID, "", info, false); err != nil {
		return "", false, fmt.Errorf("write node info: %w", err)
	}
	return nodeID, true, nil
}

// ResetDatabase tears down the current local database and re-runs Init.
func (b *Bootstrapper) ResetDatabase(ctx context.Context, current Handle) (Handle, InitResult, error) {
	b.ready = false
	if current != nil {
		if err := current.Destroy(ctx); err != nil {
			return nil, InitResult{}, fmt.Errorf("bootstrap: destroy current generation: %w", err)
		}
	}
	return b.Init(ctx)
}

// ResetLocalOldDatabase destroys only the old generation, leaving the
// current (new) generation untouched.
func (b *Bootstrapper) ResetLocalOldDatabase(ctx context.Context) error {
	oldDB, err := b.opener.OpenLocalDatabase(ctx, b.dbName+oldGenerationSuffix, LocalDBOptions{SkipSetup: true})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return oldDB.Destroy(ctx)
}

func (b *Bootstrapper) logf(level LogLevel, format string, args ...any) {
	if b.log == nil {
		return
	}
	b.log.Log(fmt.Sprintf(format, args...), level, "bootstrap")
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random nodeid: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out), nil
}

// drainOneShot blocks until stream reports completion or error.
func drainOneShot(ctx context.Context, stream ReplicationStream) error {
	for {
		select {
		case <-ctx.Done():
			stream.Cancel()
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case ReplicationComplete:
				return nil
			case ReplicationError, ReplicationDenied:
				return ev.Err
			}
		}
	}
}
