// Package spanner implements livesync.RemoteConnector and livesync.Handle
// over a Cloud Spanner database, storing documents in a single Documents
// table. The revision is a per-document counter ("1-spanner", "2-spanner",
// ...); the commit timestamp is stored in UpdatedAt. Grounded
// on the teacher's storage/internal queue abstraction's transactional
// read-modify-write pattern, ported from an in-process mutex to Spanner's
// ReadWriteTransaction.
package spanner

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/4very/livesync-commonlib"
)

const documentsTable = "Documents"

// Connector opens a database-scoped Handle over a shared *spanner.Client.
type Connector struct {
	client *spanner.Client
}

// NewConnector builds a connector over an already-constructed client (one
// client per Spanner database, per the SDK's own guidance).
func NewConnector(client *spanner.Client) *Connector {
	return &Connector{client: client}
}

// Connect implements livesync.RemoteConnector. uri selects the partition
// (the Database column value); the client itself is already bound to one
// Spanner database.
func (c *Connector) Connect(ctx context.Context, uri string, user, password string, disableRequestURI bool, passphrase string, hasPassphrase bool) (livesync.Handle, livesync.DBInfo, error) {
	h := &Handle{client: c.client, partition: uri}
	info, err := h.Info(ctx)
	return h, info, err
}

// Handle is one partition (Database column) of the shared Documents table.
type Handle struct {
	client    *spanner.Client
	partition string
}

var _ livesync.Handle = (*Handle)(nil)

func (h *Handle) Get(ctx context.Context, id string) (json.RawMessage, string, error) {
	row, err := h.client.Single().ReadRow(ctx, documentsTable, spanner.Key{h.partition, id}, []string{"Rev", "Body", "Deleted"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, "", livesync.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("spanner: get %q: %w", id, err)
	}
	var rev string
	var body []byte
	var deleted bool
	if err := row.Columns(&rev, &body, &deleted); err != nil {
		return nil, "", fmt.Errorf("spanner: decode %q: %w", id, err)
	}
	if deleted {
		return nil, "", livesync.ErrNotFound
	}
	return json.RawMessage(body), rev, nil
}

func (h *Handle) Put(ctx context.Context, id string, rev string, doc any, force bool) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("spanner: marshal %q: %w", id, err)
	}
	var meta struct {
		Type    livesync.DocType `json:"type"`
		Deleted bool             `json:"_deleted"`
	}
	_ = json.Unmarshal(body, &meta)

	var newRev string
	_, err = h.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, documentsTable, spanner.Key{h.partition, id}, []string{"Rev"})
		exists := true
		var currentRev string
		if spanner.ErrCode(err) == codes.NotFound {
			exists = false
		} else if err != nil {
			return err
		} else if err := row.Columns(&currentRev); err != nil {
			return err
		}
		if exists && !force && currentRev != rev {
			return status.Error(codes.AlreadyExists, "conflict")
		}
		n := 0
		fmt.Sscanf(currentRev, "%d-", &n)
		newRev = fmt.Sprintf("%d-spanner", n+1)
		m := spanner.InsertOrUpdate(documentsTable,
			[]string{"Database", "Id", "Rev", "DocType", "Deleted", "Body", "UpdatedAt"},
			[]any{h.partition, id, newRev, string(meta.Type), meta.Deleted, body, spanner.CommitTimestamp})
		return txn.BufferWrite([]*spanner.Mutation{m})
	})
	if status.Code(err) == codes.AlreadyExists {
		return "", livesync.ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("spanner: put %q: %w", id, err)
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

	stmt := spanner.Statement{
		SQL: `SELECT Id, Rev, Body FROM Documents
			WHERE Database = @db AND Deleted = FALSE AND Id > @start
			ORDER BY Id LIMIT @limit`,
		Params: map[string]any{"db": h.partition, "start": opts.StartKey, "limit": pageLimit(opts.Limit)},
	}
	iter := h.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var rows []livesync.AllDocsRow
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return livesync.AllDocsResult{}, fmt.Errorf("spanner: allDocs: %w", err)
		}
		var id, rev string
		var body []byte
		if err := row.Columns(&id, &rev, &body); err != nil {
			return livesync.AllDocsResult{}, fmt.Errorf("spanner: decode row: %w", err)
		}
		r := livesync.AllDocsRow{ID: id, Rev: rev}
		if opts.IncludeDocs {
			r.Doc = body
		}
		rows = append(rows, r)
	}
	return livesync.AllDocsResult{TotalRows: len(rows), Rows: rows}, nil
}

func pageLimit(n int) int64 {
	if n <= 0 {
		return 1000
	}
	return int64(n)
}

func (h *Handle) Changes(ctx context.Context, opts livesync.ChangesOptions) (livesync.ChangeStream, error) {
	return nil, fmt.Errorf("spanner: live change feeds are not supported; use a Spanner change stream query out of band")
}

func (h *Handle) Replicate(ctx context.Context, dir livesync.ReplicationDirection, remote livesync.Handle, opts livesync.ReplicateOptions) (livesync.ReplicationStream, error) {
	return nil, fmt.Errorf("spanner: replicate is driven by the engine's coordinator, not by the adapter itself")
}

func (h *Handle) Info(ctx context.Context) (livesync.DBInfo, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM Documents WHERE Database = @db AND Deleted = FALSE`,
		Params: map[string]any{"db": h.partition},
	}
	iter := h.client.Single().Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err != nil {
		return livesync.DBInfo{}, fmt.Errorf("spanner: info: %w", err)
	}
	var count int64
	if err := row.Columns(&count); err != nil {
		return livesync.DBInfo{}, fmt.Errorf("spanner: info decode: %w", err)
	}
	return livesync.DBInfo{Name: h.partition, DocCount: count}, nil
}

func (h *Handle) Destroy(ctx context.Context) error {
	_, err := h.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Delete(documentsTable, spanner.KeyRange{
				Start: spanner.Key{h.partition},
				End:   spanner.Key{h.partition},
				Kind:  spanner.ClosedClosed,
			}),
		})
	})
	return err
}

func (h *Handle) Close() error { return nil }
