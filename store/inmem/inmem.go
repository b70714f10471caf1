// Package inmem provides an in-memory store.Store for tests and local
// tooling. Batches are atomic under a single lock, transactions are
// serialized, and collection-group queries scan every collection sharing the
// final path segment.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eventlot/eventlot/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]map[string]store.Doc // collection path -> id -> doc

	failKinds []store.Kind // injected commit failures, consumed FIFO
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string]map[string]store.Doc)}
}

// FailNextCommits makes the next n Commit/RunTransaction calls fail with the
// given kind before applying any write. Useful to exercise retry paths.
func (s *Store) FailNextCommits(n int, kind store.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failKinds = append(s.failKinds, kind)
	}
}

func (s *Store) takeInjectedFailure() error {
	if len(s.failKinds) == 0 {
		return nil
	}
	kind := s.failKinds[0]
	s.failKinds = s.failKinds[1:]
	return store.Errorf(kind, "injected failure")
}

// Get returns a copy of the document.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, store.Errorf(store.KindNotFound, "%s/%s", collection, id)
	}
	return cloneDoc(doc), nil
}

// Set replaces the document.
func (s *Store) Set(ctx context.Context, collection, id string, data store.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(collection, id, data)
	return nil
}

// Update merges fields into an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields store.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(collection, id, fields)
}

// Delete removes the document; absent documents are a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], id)
	return nil
}

// Query returns matching documents of one collection.
func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query(collection, q), nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, collection string, q store.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.query(collection, q)), nil
}

// CollectionGroup scans every collection whose final path segment is name.
func (s *Store) CollectionGroup(ctx context.Context, name string, q store.Query) ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Snapshot
	for path := range s.data {
		if store.GroupName(path) != name {
			continue
		}
		out = append(out, s.query(path, q)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Commit applies the batch atomically: ops run against a staged copy of the
// touched collections and the copy replaces them only when every op
// succeeded, so a failing op leaves the store untouched.
func (s *Store) Commit(ctx context.Context, b *store.Batch) error {
	if b.Len() > store.MaxBatchOps {
		return store.Errorf(store.KindPreconditionFailed, "batch of %d exceeds limit %d", b.Len(), store.MaxBatchOps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeInjectedFailure(); err != nil {
		return err
	}
	return s.applyOps(b.Ops())
}

// RunTransaction runs fn with a serialized transaction handle. Writes are
// buffered and applied atomically when fn returns nil.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	cfg := store.DefaultRetryConfig()
	return store.WithRetry(ctx, cfg, func() error {
		s.mu.Lock()
		if err := s.takeInjectedFailure(); err != nil {
			s.mu.Unlock()
			return err
		}
		tx := &memTx{s: s, writes: store.NewBatch()}
		err := fn(tx)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		err = s.applyOps(tx.writes.Ops())
		s.mu.Unlock()
		return err
	})
}

// Reset clears all stored documents (useful in tests).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]map[string]store.Doc)
	s.failKinds = nil
}

// locked helpers

// applyOps stages the ops on copies of the touched collections and swaps the
// copies in only once all ops succeeded. Later ops observe the writes of
// earlier ones, so a batch may update a document a prior op created.
func (s *Store) applyOps(ops []store.BatchOp) error {
	staged := make(map[string]map[string]store.Doc)
	coll := func(name string) map[string]store.Doc {
		if c, ok := staged[name]; ok {
			return c
		}
		c := make(map[string]store.Doc, len(s.data[name]))
		for id, doc := range s.data[name] {
			c[id] = doc
		}
		staged[name] = c
		return c
	}
	for _, o := range ops {
		c := coll(o.Collection)
		switch {
		case o.IsSet():
			c[o.ID] = cloneDoc(o.Data)
		case o.IsUpdate():
			doc, ok := c[o.ID]
			if !ok {
				return store.Errorf(store.KindNotFound, "%s/%s", o.Collection, o.ID)
			}
			doc = cloneDoc(doc)
			for k, v := range cloneDoc(o.Data) {
				doc[k] = v
			}
			c[o.ID] = doc
		case o.IsDelete():
			delete(c, o.ID)
		case o.IsAppend():
			doc, ok := c[o.ID]
			if ok {
				doc = cloneDoc(doc)
			} else {
				doc = store.Doc{}
			}
			arr, _ := doc[o.Field].([]any)
			doc[o.Field] = append(arr, cloneValue(o.Value))
			c[o.ID] = doc
		}
	}
	for name, c := range staged {
		s.data[name] = c
	}
	return nil
}

func (s *Store) set(collection, id string, data store.Doc) {
	coll, ok := s.data[collection]
	if !ok {
		coll = make(map[string]store.Doc)
		s.data[collection] = coll
	}
	coll[id] = cloneDoc(data)
}

func (s *Store) update(collection, id string, fields store.Doc) error {
	doc, ok := s.data[collection][id]
	if !ok {
		return store.Errorf(store.KindNotFound, "%s/%s", collection, id)
	}
	for k, v := range cloneDoc(fields) {
		doc[k] = v
	}
	return nil
}

func (s *Store) query(collection string, q store.Query) []store.Snapshot {
	var out []store.Snapshot
	for id, doc := range s.data[collection] {
		if matches(doc, q.Filters) {
			out = append(out, store.Snapshot{Collection: collection, ID: id, Data: cloneDoc(doc)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			less, eq := lessValue(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if !eq {
				if q.Desc {
					return !less
				}
				return less
			}
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(doc store.Doc, filters []store.Filter) bool {
	for _, f := range filters {
		v := doc[f.Field]
		switch f.Op {
		case "==":
			if !equalValue(v, f.Value) {
				return false
			}
		case "<=":
			less, eq := lessValue(v, f.Value)
			if !less && !eq {
				return false
			}
		case "in":
			vals, ok := f.Value.([]string)
			if !ok {
				return false
			}
			sv, _ := v.(string)
			found := false
			for _, candidate := range vals {
				if candidate == sv {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if an, ok := numeric(a); ok {
		bn, bok := numeric(b)
		return bok && an == bn
	}
	return a == b
}

// lessValue compares two values; eq reports equality. Unknown type pairs
// compare equal so they neither match "<=" strictly nor reorder results.
func lessValue(a, b any) (less, eq bool) {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Before(bt), at.Equal(bt)
		}
	}
	if an, ok := numeric(a); ok {
		if bn, ok := numeric(b); ok {
			return an < bn, an == bn
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs) < 0, as == bs
	}
	return false, true
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cloneDoc(d store.Doc) store.Doc {
	if d == nil {
		return nil
	}
	out := make(store.Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case store.Doc:
		return cloneDoc(t)
	case map[string]any:
		return cloneDoc(store.Doc(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// memTx buffers writes against the locked store.
type memTx struct {
	s      *Store
	writes *store.Batch
}

func (t *memTx) Get(collection, id string) (store.Doc, error) {
	doc, ok := t.s.data[collection][id]
	if !ok {
		return nil, store.Errorf(store.KindNotFound, "%s/%s", collection, id)
	}
	return cloneDoc(doc), nil
}

func (t *memTx) Count(collection string, q store.Query) (int, error) {
	return len(t.s.query(collection, q)), nil
}

func (t *memTx) Set(collection, id string, data store.Doc) {
	t.writes.Set(collection, id, data)
}

func (t *memTx) Update(collection, id string, fields store.Doc) {
	t.writes.Update(collection, id, fields)
}

func (t *memTx) Delete(collection, id string) {
	t.writes.Delete(collection, id)
}

func (t *memTx) Append(collection, id, field string, value any) {
	t.writes.Append(collection, id, field, value)
}
