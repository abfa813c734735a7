package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Assembler composes and decomposes notes as metadata plus an ordered leaf
// id list. It is the document assembler (C4): two read surfaces
// (GetMeta, GetEntry) and one write surface (PutEntry), plus delete.
type Assembler struct {
	local  Handle
	remote Handle // optional; set by the replication coordinator when connected
	remoteMu sync.RWMutex

	leaves *LeafStore
	waiter *LeafWaiter
	filter *FileFilter
	locks  *IDLock
	log    Logger

	cfg Config

	mu               sync.Mutex
	corruptedEntries map[string]struct{}
	needScanning     bool
}

// NewAssembler builds an Assembler over a local handle. SetRemote may be
// called later (and cleared) as replication connects and disconnects.
func NewAssembler(local Handle, leaves *LeafStore, waiter *LeafWaiter, cfg Config, log Logger) *Assembler {
	return &Assembler{
		local:            local,
		leaves:           leaves,
		waiter:           waiter,
		filter:           NewFileFilter(cfg),
		locks:            NewIDLock(),
		log:              log,
		cfg:              cfg,
		corruptedEntries: make(map[string]struct{}),
	}
}

// Local returns the local database handle notes and leaves are stored in.
// The replication coordinator drives Replicate from this handle against
// whatever remote is currently connected.
func (a *Assembler) Local() Handle { return a.local }

// SetRemote updates the remote handle CollectChunks falls back to. Passing
// nil disables the fallback (e.g. while disconnected).
func (a *Assembler) SetRemote(h Handle) {
	a.remoteMu.Lock()
	a.remote = h
	a.remoteMu.Unlock()
}

func (a *Assembler) getRemote() Handle {
	a.remoteMu.RLock()
	defer a.remoteMu.RUnlock()
	return a.remote
}

// DrainCorrupted returns and clears the set of note ids whose children
// could not be fully resolved on a recent read. The spec leaves this map
// unevicted by design; consumers are expected to drain it (spec.md §9).
func (a *Assembler) DrainCorrupted() map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.corruptedEntries
	a.corruptedEntries = make(map[string]struct{})
	a.needScanning = false
	return out
}

// NeedsScanning reports whether any read has recorded a corrupted entry
// since the last DrainCorrupted.
func (a *Assembler) NeedsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.needScanning
}

func (a *Assembler) markCorrupted(id string) {
	a.mu.Lock()
	a.corruptedEntries[id] = struct{}{}
	a.needScanning = true
	a.mu.Unlock()
}

func (a *Assembler) clearCorrupted(id string) {
	a.mu.Lock()
	delete(a.corruptedEntries, id)
	a.mu.Unlock()
}

func (a *Assembler) logf(level LogLevel, key, format string, args ...any) {
	if a.log == nil {
		return
	}
	a.log.Log(fmt.Sprintf(format, args...), level, key)
}

// GetMetaOptions configures a metadata-only read.
type GetMetaOptions struct {
	IncludeDeleted bool
}

// GetMeta fetches metadata only: an empty Data field, the children list,
// timestamps and revision. Returns ErrNotFound if absent (including on a
// 404, on a leaf-typed document under this id, or on a tombstoned entry
// when IncludeDeleted is false).
func (a *Assembler) GetMeta(ctx context.Context, id string, opt GetMetaOptions) (*Note, error) {
	raw, rev, err := a.local.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assembler: getmeta %q: %w", id, err)
	}

	var n Note
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("assembler: decode %q: %w", id, err)
	}
	if n.IsLeaf() {
		return nil, ErrNotFound
	}
	switch n.Type {
	case DocTypePlain, DocTypeNewNote, DocTypeNotes:
	default:
		// Unknown variant: forward-compatible read returns absent.
		return nil, ErrNotFound
	}
	if n.Deleted && !opt.IncludeDeleted {
		return nil, ErrNotFound
	}
	n.Rev = rev
	n.Data = ""
	return &n, nil
}

// GetEntryOptions configures a full (metadata + data) read.
type GetEntryOptions struct {
	IncludeDeleted   bool
	ReadChunksOnline bool
	WaitForReady     bool
}

// GetEntry fetches metadata and materializes Data by concatenating the
// note's children, in order. If ReadChunksOnline is set (in opt or in the
// assembler's Config), children are
// fetched in one round trip via CollectChunks (local AllDocs with remote
// fallback); otherwise they are fetched individually through the leaf
// store, optionally waiting for a not-yet-arrived leaf when WaitForReady is
// set. If any child cannot be resolved, id is recorded in the corrupted-
// entries set and ErrNotFound is returned.
func (a *Assembler) GetEntry(ctx context.Context, id string, opt GetEntryOptions) (*Note, error) {
	n, err := a.GetMeta(ctx, id, GetMetaOptions{IncludeDeleted: opt.IncludeDeleted})
	if err != nil {
		return nil, err
	}

	if n.Type == DocTypeNotes {
		// Legacy flat form: Data is inline in the stored document (GetMeta
		// blanks it), no children to fetch.
		raw, _, err := a.local.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("assembler: getentry %q: %w", id, err)
		}
		var full Note
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, fmt.Errorf("assembler: decode %q: %w", id, err)
		}
		n.Data = full.Data
		return n, nil
	}

	if len(n.Children) == 0 {
		n.Data = ""
		return n, nil
	}

	var pieces []string
	if opt.ReadChunksOnline || a.cfg.ReadChunksOnline {
		pieces, err = a.CollectChunks(ctx, n.Children)
	} else {
		pieces, err = a.collectChunksSequential(ctx, n.Children, opt.WaitForReady)
	}
	if err != nil {
		a.markCorrupted(id)
		return nil, ErrNotFound
	}

	n.Data = strings.Join(pieces, "")
	a.clearCorrupted(id)
	return n, nil
}

// collectChunksSequential fetches each child leaf individually through the
// leaf store, in order, optionally waiting for an in-flight arrival.
func (a *Assembler) collectChunksSequential(ctx context.Context, children []string, waitForReady bool) ([]string, error) {
	out := make([]string, len(children))
	for i, childID := range children {
		data, err := a.leaves.GetLeaf(ctx, childID)
		if err != nil {
			if !isNotFound(err) {
				return nil, err
			}
			if !waitForReady {
				return nil, fmt.Errorf("%w: chunk %q was not found", ErrNotFound, childID)
			}
			if waitErr := a.waiter.WaitForLeaf(ctx, childID); waitErr != nil {
				return nil, waitErr
			}
			data, err = a.leaves.GetLeaf(ctx, childID)
			if err != nil {
				return nil, err
			}
		}
		out[i] = data
	}
	return out, nil
}

// CollectChunks fetches every id in ids, preserving the caller's original
// order. It first issues one local AllDocs(keys=ids, include_docs=true)
// call; any ids that came back with an error are then looked up on the
// remote handle (if one is set via SetRemote), again preserving order. If
// the remote lookup also reports an error for any id, the whole call fails.
//
// The merge uses a rotating-offset search through the remote result array
// (rather than a map or nested linear scan) to avoid quadratic cost when
// many ids are missing locally, grounded on the teacher's bundle-offset
// iteration style in fetchLeafHashes (storage/posix/files.go).
func (a *Assembler) CollectChunks(ctx context.Context, ids []string) ([]string, error) {
	local, err := a.local.AllDocs(ctx, AllDocsOptions{Keys: ids, IncludeDocs: true})
	if err != nil {
		return nil, fmt.Errorf("assembler: collectchunks local: %w", err)
	}

	out := make([]string, len(ids))
	var missing []string
	missingIdx := make(map[string][]int)
	for i, row := range local.Rows {
		if row.Error != nil || row.Doc == nil {
			missing = append(missing, ids[i])
			missingIdx[ids[i]] = append(missingIdx[ids[i]], i)
			continue
		}
		var leaf Leaf
		if err := json.Unmarshal(row.Doc, &leaf); err != nil {
			return nil, fmt.Errorf("assembler: decode %q: %w", ids[i], err)
		}
		out[i] = leaf.Data
	}

	if len(missing) == 0 {
		return out, nil
	}

	remote := a.getRemote()
	if remote == nil {
		return nil, fmt.Errorf("%w: %d chunk(s) missing locally and no remote connected", ErrNotFound, len(missing))
	}

	remoteResult, err := remote.AllDocs(ctx, AllDocsOptions{Keys: missing, IncludeDocs: true})
	if err != nil {
		return nil, fmt.Errorf("assembler: collectchunks remote: %w", err)
	}

	// Rotating-offset search: remote rows are expected in (roughly) the
	// same order as `missing`, so start each lookup where the last one
	// left off instead of rescanning from zero.
	offset := 0
	for _, id := range missing {
		found := false
		for scanned := 0; scanned < len(remoteResult.Rows); scanned++ {
			row := remoteResult.Rows[(offset+scanned)%len(remoteResult.Rows)]
			if row.ID != id {
				continue
			}
			offset = (offset + scanned + 1) % len(remoteResult.Rows)
			if row.Error != nil || row.Doc == nil {
				return nil, fmt.Errorf("%w: chunk %q missing on remote", ErrNotFound, id)
			}
			var leaf Leaf
			if err := json.Unmarshal(row.Doc, &leaf); err != nil {
				return nil, fmt.Errorf("assembler: decode remote %q: %w", id, err)
			}
			for _, idx := range missingIdx[id] {
				out[idx] = leaf.Data
			}
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("%w: chunk %q missing on remote", ErrNotFound, id)
		}
	}

	return out, nil
}

// PutEntryOptions configures a write.
type PutEntryOptions struct {
	// SaveAsBigChunk suppresses the plain-text chunk-size reduction.
	SaveAsBigChunk bool
	// PlainText selects semantic (line/paragraph) splitting.
	PlainText bool
}

// PutEntry splits note.Data into leaves, bulk-writes any new ones, and
// writes the metadata document under a per-id lock, copying the prior
// document's revision forward when it was one of {notes, newnote, plain}.
// It bails without error if the filter excludes note.ID.
func (a *Assembler) PutEntry(ctx context.Context, note *Note, opt PutEntryOptions) (*Note, error) {
	if !a.filter.IsTargetFile(note.ID) {
		return nil, nil
	}

	splitOpt := SplitOptions{
		CustomChunkSize: a.cfg.CustomChunkSize,
		PlainText:       opt.PlainText,
		SaveAsBigChunk:  opt.SaveAsBigChunk,
	}

	s := NewSplitter(note.Data, splitOpt)
	var children []string
	var pending []*Leaf
	for {
		piece, ok := s.Next()
		if !ok {
			break
		}
		id, leaf, err := a.leaves.PutLeaf(ctx, piece)
		if err != nil {
			return nil, fmt.Errorf("assembler: putleaf: %w", err)
		}
		children = append(children, id)
		if leaf != nil {
			pending = append(pending, leaf)
		}
	}

	if err := a.leaves.FlushPending(ctx, pending); err != nil {
		return nil, err
	}

	unlock := a.locks.Lock(note.ID)
	defer unlock()

	rev := ""
	if priorRaw, priorRev, err := a.local.Get(ctx, note.ID); err == nil {
		var priorDoc struct {
			Type DocType `json:"type"`
		}
		if jerr := json.Unmarshal(priorRaw, &priorDoc); jerr == nil {
			switch priorDoc.Type {
			case DocTypeNotes, DocTypeNewNote, DocTypePlain:
				rev = priorRev
			}
		}
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("assembler: read prior %q: %w", note.ID, err)
	}

	note.Children = children
	note.Size = int64(len(note.Data))
	meta := *note
	meta.Data = ""
	newRev, err := a.local.Put(ctx, note.ID, rev, &meta, true)
	if err != nil {
		return nil, fmt.Errorf("assembler: put %q: %w", note.ID, err)
	}
	note.Rev = newRev
	a.clearCorrupted(note.ID)
	return note, nil
}

// DeleteEntryOptions configures a delete.
type DeleteEntryOptions struct {
	// Rev, if non-empty, is an explicit revision the caller is deleting;
	// per the design's resolved ambiguity, supplying one forces a hard
	// delete exactly as DeleteMetadataOfDeletedFiles does (see DESIGN.md
	// open-question 1).
	Rev string
}

// DeleteEntry deletes id under its per-id lock. Legacy "notes" documents
// are hard-deleted (_deleted). Current-form documents are soft-deleted
// (tombstone flag, bumped Mtime) unless DeleteMetadataOfDeletedFiles is
// configured or the caller passed an explicit revision, either of which
// forces a hard delete (a new deleted revision).
func (a *Assembler) DeleteEntry(ctx context.Context, id string, opt DeleteEntryOptions) error {
	unlock := a.locks.Lock(id)
	defer unlock()

	raw, rev, err := a.local.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("assembler: get %q: %w", id, err)
	}
	var n Note
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("assembler: decode %q: %w", id, err)
	}
	if n.IsLeaf() {
		return ErrLeafIsNotAnEntry
	}

	useRev := rev
	if opt.Rev != "" {
		useRev = opt.Rev
	}

	if n.Type == DocTypeNotes {
		_, err := a.local.Put(ctx, id, useRev, map[string]any{"_deleted": true}, true)
		return err
	}

	hardDelete := a.cfg.DeleteMetadataOfDeletedFiles || opt.Rev != ""
	n.Deleted = true
	n.Mtime = n.Mtime + 1
	if hardDelete {
		_, err := a.local.Put(ctx, id, useRev, map[string]any{"_deleted": true}, true)
		return err
	}
	_, err = a.local.Put(ctx, id, useRev, &n, true)
	return err
}

const deleteByPrefixPageSize = 100

// DeleteByPrefix pages through AllDocs in batches, deleting every id
// matching prefix or "/"+prefix (excluding leaves), tolerating 404s.
func (a *Assembler) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	alt := "/" + prefix
	deleted := 0
	startKey := ""
	for {
		res, err := a.local.AllDocs(ctx, AllDocsOptions{StartKey: startKey, Limit: deleteByPrefixPageSize})
		if err != nil {
			return deleted, fmt.Errorf("assembler: deletebyprefix allDocs: %w", err)
		}
		if len(res.Rows) == 0 {
			break
		}
		for _, row := range res.Rows {
			if strings.HasPrefix(row.ID, LeafIDPrefix) {
				continue
			}
			if !strings.HasPrefix(row.ID, prefix) && !strings.HasPrefix(row.ID, alt) {
				continue
			}
			if err := a.DeleteEntry(ctx, row.ID, DeleteEntryOptions{}); err != nil && !errors.Is(err, ErrNotFound) {
				return deleted, err
			}
			deleted++
		}
		if len(res.Rows) < deleteByPrefixPageSize {
			break
		}
		startKey = res.Rows[len(res.Rows)-1].ID
	}
	return deleted, nil
}
