// Package store defines the typed view over the document backend: keyed
// documents in nested collections, equality queries, atomic bounded batches,
// collection-group queries, and optimistic transactions.
//
// Collection paths are slash-separated: "events" addresses a top-level
// collection, "events/<eventID>/waiting" a subcollection of one event
// document. A collection-group query scans every subcollection sharing the
// final path segment across all parents.
package store

import (
	"context"
	"strings"
	"time"
)

// Doc is the wire representation of a document. Values are limited to
// strings, bools, int64, float64, time.Time, []string, []any and nested Doc;
// backends normalize their native types into this set on read.
type Doc map[string]any

// Snapshot is a matched document together with its location.
type Snapshot struct {
	Collection string
	ID         string
	Data       Doc
}

// Filter restricts a query. Op is one of "==", "<=" or "in" ("in" takes a
// []string value).
type Filter struct {
	Field string
	Op    string
	Value any
}

// Where builds a Filter.
func Where(field, op string, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query bundles filters with optional ordering and limit. Only equality and
// range-on-one-field filters are supported; richer predicates are evaluated
// client-side by the components.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// MaxBatchOps bounds the size of an atomic batch.
const MaxBatchOps = 500

// DefaultOpTimeout is the per-operation store deadline.
const DefaultOpTimeout = 30 * time.Second

// TxBudget is the total wall-clock budget for transactional retries before
// Aborted surfaces to the caller.
const TxBudget = 60 * time.Second

// TxAttempts bounds automatic transaction retries.
const TxAttempts = 3

type opKind uint8

const (
	opSet opKind = iota
	opUpdate
	opDelete
	opAppend
)

type op struct {
	kind       opKind
	collection string
	id         string
	data       Doc
	field      string // opAppend
	value      any    // opAppend
}

// Batch accumulates writes that commit atomically. A batch is not safe for
// concurrent use.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Set replaces (or creates) the document at collection/id.
func (b *Batch) Set(collection, id string, data Doc) {
	b.ops = append(b.ops, op{kind: opSet, collection: collection, id: id, data: data})
}

// Update merges fields into an existing document.
func (b *Batch) Update(collection, id string, fields Doc) {
	b.ops = append(b.ops, op{kind: opUpdate, collection: collection, id: id, data: fields})
}

// Delete removes the document. Deleting an absent document is a no-op.
func (b *Batch) Delete(collection, id string) {
	b.ops = append(b.ops, op{kind: opDelete, collection: collection, id: id})
}

// Append appends value to the array field of the document, creating the
// document when absent. Used for append-only profile history.
func (b *Batch) Append(collection, id, field string, value any) {
	b.ops = append(b.ops, op{kind: opAppend, collection: collection, id: id, field: field, value: value})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Ops exposes the queued operations to Store implementations.
func (b *Batch) Ops() []BatchOp {
	out := make([]BatchOp, len(b.ops))
	for i, o := range b.ops {
		out[i] = BatchOp{Kind: o.kind, Collection: o.collection, ID: o.id, Data: o.data, Field: o.field, Value: o.value}
	}
	return out
}

// BatchOp is the exported view of a queued batch operation.
type BatchOp struct {
	Kind       opKind
	Collection string
	ID         string
	Data       Doc
	Field      string
	Value      any
}

// IsSet reports whether the operation replaces a document.
func (o BatchOp) IsSet() bool { return o.Kind == opSet }

// IsUpdate reports whether the operation merges fields.
func (o BatchOp) IsUpdate() bool { return o.Kind == opUpdate }

// IsDelete reports whether the operation deletes a document.
func (o BatchOp) IsDelete() bool { return o.Kind == opDelete }

// IsAppend reports whether the operation appends to an array field.
func (o BatchOp) IsAppend() bool { return o.Kind == opAppend }

// Tx is the handle passed to transactional functions. Reads observe a
// consistent view; writes are buffered and commit atomically with the
// transaction.
type Tx interface {
	Get(collection, id string) (Doc, error)
	Count(collection string, q Query) (int, error)
	Set(collection, id string, data Doc)
	Update(collection, id string, fields Doc)
	Delete(collection, id string)
	Append(collection, id, field string, value any)
}

// Store is the document backend abstraction.
//
// Guarantees: a committed batch is atomic and isolated; a collection-group
// query returns a consistent snapshot of matching documents; transactional
// retries are automatic up to TxAttempts within TxBudget before Aborted
// surfaces.
type Store interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Set(ctx context.Context, collection, id string, data Doc) error
	Update(ctx context.Context, collection, id string, fields Doc) error
	Delete(ctx context.Context, collection, id string) error

	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
	Count(ctx context.Context, collection string, q Query) (int, error)
	CollectionGroup(ctx context.Context, name string, q Query) ([]Snapshot, error)

	Commit(ctx context.Context, b *Batch) error
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// SubPath joins a parent document path with a subcollection name.
func SubPath(parentCollection, parentID, sub string) string {
	return parentCollection + "/" + parentID + "/" + sub
}

// GroupName returns the final segment of a collection path.
func GroupName(collection string) string {
	if i := strings.LastIndexByte(collection, '/'); i >= 0 {
		return collection[i+1:]
	}
	return collection
}

// ParentID returns the parent document ID of a subcollection path, or ""
// for a top-level collection.
func ParentID(collection string) string {
	parts := strings.Split(collection, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}
