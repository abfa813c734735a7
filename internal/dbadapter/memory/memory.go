// Package memory is an in-process implementation of the livesync.Handle,
// DatabaseOpener and RemoteConnector surfaces, intended for tests and local
// experimentation. It has no grounding in the example corpus: none of the
// retrieved repos ship a throwaway in-memory store, so this is written
// directly against the interfaces it implements rather than adapted from
// an existing file (see DESIGN.md).
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/4very/livesync-commonlib"
)

// errStreamClosed is returned by changeStream.Next once the underlying
// channel has been closed (by Destroy), so a caller looping on Next doesn't
// spin against a drained channel when ctx is still live.
var errStreamClosed = errors.New("memory: change stream closed")

// Store is a named in-memory database. Registry hands out *Store values
// keyed by name so OpenLocalDatabase/Connect can share state the way two
// processes would share a real database by name.
type Store struct {
	mu       sync.Mutex
	name     string
	docs     map[string]*record
	revCount int
	subs     []*changeStream
	destroyed bool
}

type record struct {
	rev     string
	deleted bool
	doc     json.RawMessage
	docType livesync.DocType
}

// Registry opens or creates named in-memory stores.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// OpenLocalDatabase implements livesync.DatabaseOpener.
func (r *Registry) OpenLocalDatabase(ctx context.Context, name string, opts livesync.LocalDBOptions) (livesync.Handle, error) {
	return r.open(name), nil
}

// Connect implements livesync.RemoteConnector. uri is treated as the store
// name; the remaining parameters are accepted but unused by this adapter.
func (r *Registry) Connect(ctx context.Context, uri string, user, password string, disableRequestURI bool, passphrase string, hasPassphrase bool) (livesync.Handle, livesync.DBInfo, error) {
	s := r.open(uri)
	info, err := s.Info(ctx)
	return s, info, err
}

func (r *Registry) open(name string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok && !s.destroyed {
		return s
	}
	s := &Store{name: name, docs: make(map[string]*record)}
	r.stores[name] = s
	return s
}

func (s *Store) nextRev(prev string) string {
	s.revCount++
	return strconv.Itoa(s.revCount) + "-" + s.name
}

// Get implements livesync.Handle.
func (s *Store) Get(ctx context.Context, id string) (json.RawMessage, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[id]
	if !ok || rec.deleted {
		return nil, "", livesync.ErrNotFound
	}
	return rec.doc, rec.rev, nil
}

// Put implements livesync.Handle.
func (s *Store) Put(ctx context.Context, id string, rev string, doc any, force bool) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("memory: marshal %q: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[id]
	if ok && !force && existing.rev != rev {
		return "", livesync.ErrConflict
	}

	var meta struct {
		Type    livesync.DocType `json:"type"`
		Deleted bool             `json:"_deleted"`
	}
	_ = json.Unmarshal(raw, &meta)

	newRev := s.nextRev(rev)
	s.docs[id] = &record{rev: newRev, doc: raw, docType: meta.Type, deleted: meta.Deleted}
	s.notify(id, newRev, meta.Deleted, raw)
	return newRev, nil
}

// BulkDocs implements livesync.Handle.
func (s *Store) BulkDocs(ctx context.Context, docs []livesync.BulkDoc) ([]livesync.BulkResult, error) {
	out := make([]livesync.BulkResult, len(docs))
	for i, d := range docs {
		rev, err := s.Put(ctx, d.ID, d.Rev, d.Doc, d.Rev == "")
		out[i] = livesync.BulkResult{ID: d.ID, Rev: rev, Error: err}
	}
	return out, nil
}

// AllDocs implements livesync.Handle.
func (s *Store) AllDocs(ctx context.Context, opts livesync.AllDocsOptions) (livesync.AllDocsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(opts.Keys) > 0 {
		rows := make([]livesync.AllDocsRow, len(opts.Keys))
		for i, k := range opts.Keys {
			rec, ok := s.docs[k]
			if !ok || rec.deleted {
				rows[i] = livesync.AllDocsRow{ID: k, Error: livesync.ErrNotFound}
				continue
			}
			row := livesync.AllDocsRow{ID: k, Rev: rec.rev}
			if opts.IncludeDocs {
				row.Doc = rec.doc
			}
			rows[i] = row
		}
		return livesync.AllDocsResult{TotalRows: len(rows), Rows: rows}, nil
	}

	ids := make([]string, 0, len(s.docs))
	for id, rec := range s.docs {
		if rec.deleted {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if opts.StartKey != "" {
		start = sort.SearchStrings(ids, opts.StartKey)
		if start < len(ids) && ids[start] == opts.StartKey {
			start++
		}
	}
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	rows := make([]livesync.AllDocsRow, 0, end-start)
	for _, id := range ids[start:end] {
		rec := s.docs[id]
		row := livesync.AllDocsRow{ID: id, Rev: rec.rev}
		if opts.IncludeDocs {
			row.Doc = rec.doc
		}
		rows = append(rows, row)
	}
	return livesync.AllDocsResult{TotalRows: len(ids), Rows: rows}, nil
}

// Info implements livesync.Handle.
func (s *Store) Info(ctx context.Context) (livesync.DBInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.docs {
		if !rec.deleted {
			count++
		}
	}
	return livesync.DBInfo{Name: s.name, DocCount: int64(count)}, nil
}

// Destroy implements livesync.Handle.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*record)
	s.destroyed = true
	for _, sub := range s.subs {
		sub.close()
	}
	s.subs = nil
	return nil
}

// Close implements livesync.Handle. A no-op: the store lives in the
// Registry, not in the Handle value.
func (s *Store) Close() error { return nil }

type changeStream struct {
	mu     sync.Mutex
	ch     chan livesync.ChangeEvent
	closed bool
}

func (c *changeStream) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.ch)
		c.closed = true
	}
}

func (c *changeStream) Next(ctx context.Context) (livesync.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return livesync.ChangeEvent{}, ctx.Err()
	case ev, ok := <-c.ch:
		if !ok {
			return livesync.ChangeEvent{}, errStreamClosed
		}
		return ev, nil
	}
}

func (c *changeStream) Cancel() { c.close() }

// Changes implements livesync.Handle. Only the live form is supported, and
// every write is delivered: FilterType is not applied, and Since is ignored
// (this adapter keeps no change log).
func (s *Store) Changes(ctx context.Context, opts livesync.ChangesOptions) (livesync.ChangeStream, error) {
	cs := &changeStream{ch: make(chan livesync.ChangeEvent, 64)}
	s.mu.Lock()
	s.subs = append(s.subs, cs)
	s.mu.Unlock()
	return cs, nil
}

func (s *Store) notify(id, rev string, deleted bool, raw json.RawMessage) {
	ev := livesync.ChangeEvent{ID: id, Rev: rev, Deleted: deleted, Doc: raw}
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

type replicationStream struct {
	events chan livesync.ReplicationStreamEvent
	cancel context.CancelFunc
}

func (r *replicationStream) Events() <-chan livesync.ReplicationStreamEvent { return r.events }
func (r *replicationStream) Cancel()                                       { r.cancel() }

// Replicate implements livesync.Handle by copying documents between two
// in-memory stores in one pass, then emitting a completion event. When
// opts.Live is set, the stream instead stays open until cancelled; writes
// made after the first pass are not copied.
func (s *Store) Replicate(ctx context.Context, dir livesync.ReplicationDirection, remote livesync.Handle, opts livesync.ReplicateOptions) (livesync.ReplicationStream, error) {
	target, ok := remote.(*Store)
	if !ok {
		return nil, fmt.Errorf("memory: replicate target is not a memory store")
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs := &replicationStream{events: make(chan livesync.ReplicationStreamEvent, 16), cancel: cancel}

	go func() {
		defer close(rs.events)
		rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationActive}

		copyAll := func(from, to *Store, direction livesync.ReplicationDirection) {
			from.mu.Lock()
			docs := make([]json.RawMessage, 0, len(from.docs))
			for id, rec := range from.docs {
				if rec.deleted {
					continue
				}
				docs = append(docs, rec.doc)
				_, _ = to.Put(runCtx, id, "", json.RawMessage(rec.doc), true)
			}
			from.mu.Unlock()
			if len(docs) > 0 {
				rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationChange, Change: livesync.ReplicationChangeInfo{Direction: direction, Docs: docs}}
			}
		}

		switch dir {
		case livesync.ReplicatePull:
			copyAll(target, s, livesync.ReplicatePull)
		case livesync.ReplicatePush:
			copyAll(s, target, livesync.ReplicatePush)
		default:
			copyAll(s, target, livesync.ReplicatePush)
			copyAll(target, s, livesync.ReplicatePull)
		}

		if !opts.Live {
			select {
			case <-runCtx.Done():
			case rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationComplete}:
			}
			return
		}
		<-runCtx.Done()
	}()

	return rs, nil
}
