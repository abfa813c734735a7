// Package gcs implements livesync.RemoteConnector and livesync.Handle over
// a Google Cloud Storage bucket: each document is one object, named by its
// id, with the object's generation number standing in for a revision (GCS's
// native optimistic-concurrency primitive maps directly onto the engine's
// rev/force semantics). Grounded on the teacher's posix filesystem storage
// (storage/posix/files.go) atomic-write-by-rename idiom, ported from the
// filesystem's rename-into-place atomicity to GCS's generation-precondition
// atomicity.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/4very/livesync-commonlib"
)

// Connector opens buckets on demand and caches the *storage.Client.
type Connector struct {
	client *storage.Client
}

// NewConnector builds a connector over an already-authenticated client.
func NewConnector(client *storage.Client) *Connector {
	return &Connector{client: client}
}

// Connect implements livesync.RemoteConnector. uri names the bucket.
func (c *Connector) Connect(ctx context.Context, uri string, user, password string, disableRequestURI bool, passphrase string, hasPassphrase bool) (livesync.Handle, livesync.DBInfo, error) {
	h := &Handle{client: c.client, bucket: uri}
	info, err := h.Info(ctx)
	return h, info, err
}

// Handle is one GCS bucket, addressed document-by-object.
type Handle struct {
	client *storage.Client
	bucket string
}

var _ livesync.Handle = (*Handle)(nil)

func objectName(id string) string {
	// GCS object names may not begin with ".well-known/acme-challenge/" and
	// have other narrow restrictions; id's "h:"/"/" characters are valid
	// object-name characters so no escaping is required.
	return id
}

func revOf(gen int64) string { return strconv.FormatInt(gen, 10) }

func (h *Handle) object(id string) *storage.ObjectHandle {
	return h.client.Bucket(h.bucket).Object(objectName(id))
}

func (h *Handle) Get(ctx context.Context, id string) (json.RawMessage, string, error) {
	obj := h.object(id)
	attrs, err := obj.Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, "", livesync.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("gcs: stat %q: %w", id, err)
	}
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("gcs: read %q: %w", id, err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("gcs: read body %q: %w", id, err)
	}
	return json.RawMessage(body), revOf(attrs.Generation), nil
}

func (h *Handle) Put(ctx context.Context, id string, rev string, doc any, force bool) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("gcs: marshal %q: %w", id, err)
	}

	obj := h.object(id)
	if !force {
		var wantGen int64 = 0 // object must not exist
		if rev != "" {
			wantGen, err = strconv.ParseInt(rev, 10, 64)
			if err != nil {
				return "", fmt.Errorf("gcs: bad rev %q: %w", rev, err)
			}
		}
		obj = obj.If(storage.Conditions{GenerationMatch: wantGen})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs: write %q: %w", id, err)
	}
	if err := w.Close(); err != nil {
		var apiErr interface{ Code() int }
		if errors.As(err, &apiErr) && apiErr.Code() == 412 { // precondition failed
			return "", livesync.ErrConflict
		}
		return "", fmt.Errorf("gcs: commit %q: %w", id, err)
	}
	return revOf(w.Attrs().Generation), nil
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

	it := h.client.Bucket(h.bucket).Objects(ctx, &storage.Query{StartOffset: opts.StartKey})
	var rows []livesync.AllDocsRow
	for {
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return livesync.AllDocsResult{}, fmt.Errorf("gcs: list: %w", err)
		}
		if strings.HasPrefix(attrs.Name, opts.StartKey) && attrs.Name == opts.StartKey {
			continue // StartKey itself is exclusive, mirroring AllDocs' pagination contract
		}
		row := livesync.AllDocsRow{ID: attrs.Name, Rev: revOf(attrs.Generation)}
		if opts.IncludeDocs {
			doc, _, err := h.Get(ctx, attrs.Name)
			if err != nil {
				row.Error = err
			} else {
				row.Doc = doc
			}
		}
		rows = append(rows, row)
	}
	return livesync.AllDocsResult{TotalRows: len(rows), Rows: rows}, nil
}

func (h *Handle) Changes(ctx context.Context, opts livesync.ChangesOptions) (livesync.ChangeStream, error) {
	return nil, fmt.Errorf("gcs: live change feeds are not supported; use Pub/Sub object notifications out of band")
}

func (h *Handle) Replicate(ctx context.Context, dir livesync.ReplicationDirection, remote livesync.Handle, opts livesync.ReplicateOptions) (livesync.ReplicationStream, error) {
	return nil, fmt.Errorf("gcs: replicate is driven by the engine's coordinator, not by the adapter itself")
}

func (h *Handle) Info(ctx context.Context) (livesync.DBInfo, error) {
	it := h.client.Bucket(h.bucket).Objects(ctx, nil)
	var count int64
	for {
		_, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return livesync.DBInfo{}, fmt.Errorf("gcs: count: %w", err)
		}
		count++
	}
	return livesync.DBInfo{Name: h.bucket, DocCount: count}, nil
}

func (h *Handle) Destroy(ctx context.Context) error {
	it := h.client.Bucket(h.bucket).Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("gcs: destroy list: %w", err)
		}
		if err := h.client.Bucket(h.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			return fmt.Errorf("gcs: destroy %q: %w", attrs.Name, err)
		}
	}
	return nil
}

func (h *Handle) Close() error { return nil }
