// Package mysql is a database/sql-backed implementation of livesync.Handle
// and livesync.DatabaseOpener, storing documents as JSON blobs in a single
// table keyed by id. Grounded on the raw-SQL, prepared-statement style of
// trillian's MySQL log storage (other_examples/...-mysql-log_storage.go.go):
// named SQL constants, a *sql.DB held by the adapter, and k8s.io/klog/v2
// for structured logging.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"

	"github.com/4very/livesync-commonlib"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS documents (
		db_name VARCHAR(255) NOT NULL,
		id VARCHAR(512) NOT NULL,
		rev VARCHAR(64) NOT NULL,
		doc_type VARCHAR(32) NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		body JSON NOT NULL,
		PRIMARY KEY (db_name, id)
	)`

	selectDocSQL = `SELECT rev, body FROM documents WHERE db_name = ? AND id = ? AND deleted = FALSE`

	upsertDocSQL = `INSERT INTO documents (db_name, id, rev, doc_type, deleted, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE rev = VALUES(rev), doc_type = VALUES(doc_type), deleted = VALUES(deleted), body = VALUES(body)`

	selectRevSQL = `SELECT rev FROM documents WHERE db_name = ? AND id = ?`

	selectCountSQL = `SELECT COUNT(*) FROM documents WHERE db_name = ? AND deleted = FALSE`

	selectPageSQL = `SELECT id, rev, doc_type, body FROM documents
		WHERE db_name = ? AND deleted = FALSE AND id > ? ORDER BY id LIMIT ?`

	deleteAllSQL = `DELETE FROM documents WHERE db_name = ?`
)

// Opener opens named databases backed by a shared MySQL connection pool:
// every database name is a partition (db_name column) of one documents
// table, analogous to trillian's single-tree-table-many-rows layout.
type Opener struct {
	db *sql.DB
}

// NewOpener connects to dsn (a go-sql-driver/mysql data source name) and
// ensures the documents table exists.
func NewOpener(ctx context.Context, dsn string) (*Opener, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("mysql: create table: %w", err)
	}
	return &Opener{db: db}, nil
}

// OpenLocalDatabase implements livesync.DatabaseOpener.
func (o *Opener) OpenLocalDatabase(ctx context.Context, name string, opts livesync.LocalDBOptions) (livesync.Handle, error) {
	klog.V(1).Infof("mysql: opening database partition %q (skip_setup=%v)", name, opts.SkipSetup)
	return &Handle{db: o.db, name: name}, nil
}

// Close releases the underlying connection pool.
func (o *Opener) Close() error { return o.db.Close() }

// Handle is one named partition of the documents table.
type Handle struct {
	db   *sql.DB
	name string
}

var _ livesync.Handle = (*Handle)(nil)

func (h *Handle) Get(ctx context.Context, id string) (json.RawMessage, string, error) {
	var rev string
	var body []byte
	err := h.db.QueryRowContext(ctx, selectDocSQL, h.name, id).Scan(&rev, &body)
	if err == sql.ErrNoRows {
		return nil, "", livesync.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("mysql: get %q: %w", id, err)
	}
	return json.RawMessage(body), rev, nil
}

func (h *Handle) currentRev(ctx context.Context, id string) (string, bool, error) {
	var rev string
	err := h.db.QueryRowContext(ctx, selectRevSQL, h.name, id).Scan(&rev)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rev, true, nil
}

func nextRev(prev string) string {
	n := 1
	fmt.Sscanf(prev, "%d-", &n)
	return fmt.Sprintf("%d-%x", n+1, []byte(prev))
}

func (h *Handle) Put(ctx context.Context, id string, rev string, doc any, force bool) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("mysql: marshal %q: %w", id, err)
	}
	currentRev, exists, err := h.currentRev(ctx, id)
	if err != nil {
		return "", fmt.Errorf("mysql: read rev %q: %w", id, err)
	}
	if exists && !force && currentRev != rev {
		return "", livesync.ErrConflict
	}

	var meta struct {
		Type    livesync.DocType `json:"type"`
		Deleted bool             `json:"_deleted"`
	}
	_ = json.Unmarshal(body, &meta)

	newRev := nextRev(currentRev)
	if _, err := h.db.ExecContext(ctx, upsertDocSQL, h.name, id, newRev, string(meta.Type), meta.Deleted, body); err != nil {
		return "", fmt.Errorf("mysql: upsert %q: %w", id, err)
	}
	return newRev, nil
}

func (h *Handle) BulkDocs(ctx context.Context, docs []livesync.BulkDoc) ([]livesync.BulkResult, error) {
	out := make([]livesync.BulkResult, len(docs))
	for i, d := range docs {
		rev, err := h.Put(ctx, d.ID, d.Rev, d.Doc, d.Rev == "")
		out[i] = livesync.BulkResult{ID: d.ID, Rev: rev, Error: err}
	}
	return out, nil
}

func (h *Handle) AllDocs(ctx context.Context, opts livesync.AllDocsOptions) (livesync.AllDocsResult, error) {
	if len(opts.Keys) > 0 {
		rows := make([]livesync.AllDocsRow, len(opts.Keys))
		for i, k := range opts.Keys {
			doc, rev, err := h.Get(ctx, k)
			if err != nil {
				rows[i] = livesync.AllDocsRow{ID: k, Error: err}
				continue
			}
			row := livesync.AllDocsRow{ID: k, Rev: rev}
			if opts.IncludeDocs {
				row.Doc = doc
			}
			rows[i] = row
		}
		return livesync.AllDocsResult{TotalRows: len(rows), Rows: rows}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := h.db.QueryContext(ctx, selectPageSQL, h.name, opts.StartKey, limit)
	if err != nil {
		return livesync.AllDocsResult{}, fmt.Errorf("mysql: allDocs: %w", err)
	}
	defer rows.Close()

	var result []livesync.AllDocsRow
	for rows.Next() {
		var id, rev, docType string
		var body []byte
		if err := rows.Scan(&id, &rev, &docType, &body); err != nil {
			return livesync.AllDocsResult{}, fmt.Errorf("mysql: scan: %w", err)
		}
		row := livesync.AllDocsRow{ID: id, Rev: rev}
		if opts.IncludeDocs {
			row.Doc = body
		}
		result = append(result, row)
	}
	return livesync.AllDocsResult{TotalRows: len(result), Rows: result}, rows.Err()
}

func (h *Handle) Changes(ctx context.Context, opts livesync.ChangesOptions) (livesync.ChangeStream, error) {
	return nil, fmt.Errorf("mysql: live change feeds are not supported by this adapter; poll AllDocs instead")
}

type replicationStream struct {
	events chan livesync.ReplicationStreamEvent
	cancel context.CancelFunc
}

func (r *replicationStream) Events() <-chan livesync.ReplicationStreamEvent { return r.events }
func (r *replicationStream) Cancel()                                       { r.cancel() }

// Replicate implements livesync.Handle by paging through AllDocs on the
// source side and writing each page through BulkDocs on the target side,
// the same copy-then-notify shape as the memory adapter's Replicate. This
// adapter is the bootstrap's migration source as often as it is the one
// being migrated, so unlike the gcs/spanner adapters (which only ever
// appear as the remote argument) it must carry a real implementation: both
// a mysql-backed old-generation migration (bootstrap.go) and ordinary C7
// replication call .Replicate() on whichever Handle OpenLocalDatabase
// produced.
func (h *Handle) Replicate(ctx context.Context, dir livesync.ReplicationDirection, remote livesync.Handle, opts livesync.ReplicateOptions) (livesync.ReplicationStream, error) {
	runCtx, cancel := context.WithCancel(ctx)
	rs := &replicationStream{events: make(chan livesync.ReplicationStreamEvent, 16), cancel: cancel}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	copyAll := func(from, to livesync.Handle, direction livesync.ReplicationDirection) error {
		startKey := ""
		for {
			page, err := from.AllDocs(runCtx, livesync.AllDocsOptions{StartKey: startKey, Limit: batchSize, IncludeDocs: true})
			if err != nil {
				return fmt.Errorf("mysql: replicate allDocs: %w", err)
			}
			if len(page.Rows) == 0 {
				return nil
			}

			docs := make([]livesync.BulkDoc, len(page.Rows))
			raw := make([]json.RawMessage, len(page.Rows))
			for i, row := range page.Rows {
				docs[i] = livesync.BulkDoc{ID: row.ID, Doc: row.Doc}
				raw[i] = row.Doc
				startKey = row.ID
			}

			results, err := to.BulkDocs(runCtx, docs)
			if err != nil {
				return fmt.Errorf("mysql: replicate bulkDocs: %w", err)
			}
			for _, r := range results {
				if r.Error != nil && r.Error != livesync.ErrConflict {
					return fmt.Errorf("mysql: replicate %q: %w", r.ID, r.Error)
				}
			}

			select {
			case rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationChange, Change: livesync.ReplicationChangeInfo{Direction: direction, Docs: raw}}:
			case <-runCtx.Done():
				return runCtx.Err()
			}

			if len(page.Rows) < batchSize {
				return nil
			}
		}
	}

	go func() {
		defer close(rs.events)
		rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationActive}

		var err error
		switch dir {
		case livesync.ReplicatePull:
			err = copyAll(remote, h, livesync.ReplicatePull)
		case livesync.ReplicatePush:
			err = copyAll(h, remote, livesync.ReplicatePush)
		default:
			if err = copyAll(h, remote, livesync.ReplicatePush); err == nil {
				err = copyAll(remote, h, livesync.ReplicatePull)
			}
		}
		if err != nil {
			select {
			case <-runCtx.Done():
			case rs.events <- livesync.ReplicationStreamEvent{Kind: livesync.ReplicationError, Err: err}:
			}
			return
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

func (h *Handle) Info(ctx context.Context) (livesync.DBInfo, error) {
	var count int64
	if err := h.db.QueryRowContext(ctx, selectCountSQL, h.name).Scan(&count); err != nil {
		return livesync.DBInfo{}, fmt.Errorf("mysql: info: %w", err)
	}
	return livesync.DBInfo{Name: h.name, DocCount: count}, nil
}

func (h *Handle) Destroy(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, deleteAllSQL, h.name)
	return err
}

func (h *Handle) Close() error { return nil }
