package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// LeafStore puts and gets individual immutable leaves, handling
// content-addressed deduplication and hash-collision safety.
//
// The candidate-probe algorithm (try "h:"+hash, then +"1", +"2", ... until
// an empty slot or a byte-identical match is found) is grounded on the
// create-if-absent-else-try-next-slot idiom in the teacher's storeTile /
// createExclusive (storage/posix/files.go), ported from filesystem paths to
// document ids.
type LeafStore struct {
	h          Handle
	cache      *LeafCache
	encrypt    bool
	passphrase string
}

// NewLeafStore builds a LeafStore over h, caching up to cacheCapacity
// recently-seen (data,id) pairs. When encrypt is true, leaf ids are derived
// from the XOR of the piece's hash and the passphrase's hash (see hash.go);
// the passphrase itself is never sent anywhere, only hashed.
func NewLeafStore(h Handle, cacheCapacity int, encrypt bool, passphrase string) *LeafStore {
	return &LeafStore{
		h:          h,
		cache:      NewLeafCache(cacheCapacity),
		encrypt:    encrypt,
		passphrase: passphrase,
	}
}

// PutLeaf assigns an id to piece, reusing an existing leaf when possible.
// It never performs the write itself: if the piece is new, the returned
// pending Leaf must be included in the caller's next FlushPending/BulkDocs
// call before it is durable. This lets a note's many pieces share one bulk
// write, per the design's "writes are batched" rule.
func (s *LeafStore) PutLeaf(ctx context.Context, piece string) (id string, pending *Leaf, err error) {
	if cached, ok := s.cache.Get(piece); ok {
		return cached, nil, nil
	}

	var hashHex string
	if s.encrypt {
		hashHex = EncryptedLeafIDMarker + h32Encrypted(piece, s.passphrase)
	} else {
		hashHex = h32(piece)
	}

	for q := 0; ; q++ {
		candidate := LeafID(hashHex, q)
		doc, _, err := s.h.Get(ctx, candidate)
		if err != nil {
			if isNotFound(err) {
				// Reserve this id; the actual write happens in the
				// caller's bulk flush.
				s.cache.Set(piece, candidate)
				leaf := &Leaf{ID: candidate, Type: DocTypeLeaf, Data: piece}
				return candidate, leaf, nil
			}
			return "", nil, fmt.Errorf("leafstore: get %q: %w", candidate, err)
		}

		var existing Leaf
		if err := json.Unmarshal(doc, &existing); err != nil {
			return "", nil, fmt.Errorf("leafstore: decode %q: %w", candidate, err)
		}
		if existing.Data == piece {
			s.cache.Set(piece, candidate)
			return candidate, nil, nil
		}
		// Hash collision: same hash, different payload. Try the next
		// collision suffix.
	}
}

// FlushPending bulk-writes newly reserved leaves collected from one or more
// PutLeaf calls. A per-item conflict (another writer won the race to store
// the same content first) is tolerated silently; any other per-item or
// whole-call error aborts and is returned.
func (s *LeafStore) FlushPending(ctx context.Context, pending []*Leaf) error {
	if len(pending) == 0 {
		return nil
	}
	docs := make([]BulkDoc, len(pending))
	for i, l := range pending {
		docs[i] = BulkDoc{ID: l.ID, Doc: l}
	}
	results, err := s.h.BulkDocs(ctx, docs)
	if err != nil {
		return fmt.Errorf("leafstore: bulk write: %w", err)
	}
	for _, r := range results {
		if r.Error == nil {
			continue
		}
		if isConflict(r.Error) {
			continue
		}
		return fmt.Errorf("leafstore: bulk write %q: %w", r.ID, r.Error)
	}
	return nil
}

// GetLeaf fetches one leaf's payload by id, consulting the cache first.
func (s *LeafStore) GetLeaf(ctx context.Context, id string) (string, error) {
	if data, ok := s.cache.RevGet(id); ok {
		return data, nil
	}
	doc, _, err := s.h.Get(ctx, id)
	if err != nil {
		return "", err
	}
	var leaf Leaf
	if err := json.Unmarshal(doc, &leaf); err != nil {
		return "", fmt.Errorf("leafstore: decode %q: %w", id, err)
	}
	s.cache.Set(leaf.Data, id)
	return leaf.Data, nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, ErrConflict) }
