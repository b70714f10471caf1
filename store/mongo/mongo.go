// Package mongo implements the document store over MongoDB. Top-level
// collections map one-to-one onto Mongo collections; subcollection paths
// ("events/<eventID>/<name>") map onto a collection named after the final
// segment with a composite "_id" of "<parentID>/<docID>", which makes a
// collection-group query a plain filtered scan of that collection.
package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/eventlot/eventlot/store"
)

const clientName = "eventlot-mongo"

// Options configures the Mongo store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store is the MongoDB-backed store.Store.
type Store struct {
	mongo   *mongodriver.Client
	db      *mongodriver.Database
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New returns a Store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = store.DefaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// target resolves a collection path and document ID to a Mongo collection
// and "_id" value.
type target struct {
	coll *mongodriver.Collection
	// group is the Mongo collection name (final path segment).
	group string
	// prefix is "<parentID>/" for subcollection paths, "" for top-level.
	prefix string
}

func (s *Store) resolve(collection string) (target, error) {
	parts := strings.Split(collection, "/")
	switch len(parts) {
	case 1:
		return target{coll: s.db.Collection(parts[0]), group: parts[0]}, nil
	case 3:
		return target{
			coll:   s.db.Collection(parts[2]),
			group:  parts[2],
			prefix: parts[1] + "/",
		}, nil
	default:
		return target{}, store.Errorf(store.KindInternal, "malformed collection path %q", collection)
	}
}

func (t target) docID(id string) string { return t.prefix + id }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, error) {
	t, err := s.resolve(collection)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var raw bson.M
	if err := t.coll.FindOne(ctx, bson.M{"_id": t.docID(id)}).Decode(&raw); err != nil {
		return nil, classify("store.get", err)
	}
	return decodeDoc(raw), nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, collection, id string, data store.Doc) error {
	t, err := s.resolve(collection)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := encodeDoc(data)
	doc["_id"] = t.docID(id)
	_, err = t.coll.ReplaceOne(ctx, bson.M{"_id": t.docID(id)}, doc, options.Replace().SetUpsert(true))
	return classify("store.set", err)
}

// Update implements store.Store. Updating an absent document returns
// NotFound.
func (s *Store) Update(ctx context.Context, collection, id string, fields store.Doc) error {
	t, err := s.resolve(collection)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := t.coll.UpdateOne(ctx, bson.M{"_id": t.docID(id)}, bson.M{"$set": encodeDoc(fields)})
	if err != nil {
		return classify("store.update", err)
	}
	if res.MatchedCount == 0 {
		return store.Errorf(store.KindNotFound, "%s/%s does not exist", collection, id)
	}
	return nil
}

// Delete implements store.Store. Deleting an absent document is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t, err := s.resolve(collection)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = t.coll.DeleteOne(ctx, bson.M{"_id": t.docID(id)})
	return classify("store.delete", err)
}

// Query implements store.Store.
func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]store.Snapshot, error) {
	t, err := s.resolve(collection)
	if err != nil {
		return nil, err
	}
	filter, err := mongoFilter(q, t)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, t, filter, q, func(id string) (string, string, bool) {
		if t.prefix == "" {
			return collection, id, true
		}
		if !strings.HasPrefix(id, t.prefix) {
			return "", "", false
		}
		return collection, strings.TrimPrefix(id, t.prefix), true
	})
}

// Count implements store.Store.
func (s *Store) Count(ctx context.Context, collection string, q store.Query) (int, error) {
	t, err := s.resolve(collection)
	if err != nil {
		return 0, err
	}
	filter, err := mongoFilter(q, t)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := t.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, classify("store.count", err)
	}
	return int(n), nil
}

// CollectionGroup implements store.Store: the group name addresses the whole
// Mongo collection, across all parent documents.
func (s *Store) CollectionGroup(ctx context.Context, name string, q store.Query) ([]store.Snapshot, error) {
	t := target{coll: s.db.Collection(name), group: name}
	filter, err := mongoFilter(q, t)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, t, filter, q, func(id string) (string, string, bool) {
		parent, doc, ok := strings.Cut(id, "/")
		if !ok {
			return name, id, true
		}
		return "events/" + parent + "/" + name, doc, true
	})
}

func (s *Store) find(ctx context.Context, t target, filter bson.M, q store.Query, locate func(id string) (string, string, bool)) ([]store.Snapshot, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	} else {
		opts.SetSort(bson.D{{Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := t.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify("store.query", err)
	}
	defer cur.Close(ctx)
	var out []store.Snapshot
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, classify("store.query", err)
		}
		id, _ := raw["_id"].(string)
		coll, docID, ok := locate(id)
		if !ok {
			continue
		}
		out = append(out, store.Snapshot{Collection: coll, ID: docID, Data: decodeDoc(raw)})
	}
	if err := cur.Err(); err != nil {
		return nil, classify("store.query", err)
	}
	return out, nil
}

// Commit implements store.Store: the batch runs inside one Mongo transaction.
func (s *Store) Commit(ctx context.Context, b *store.Batch) error {
	if b.Len() > store.MaxBatchOps {
		return store.Errorf(store.KindPreconditionFailed, "batch of %d operations exceeds the %d-op limit", b.Len(), store.MaxBatchOps)
	}
	if b.Len() == 0 {
		return nil
	}
	session, err := s.mongo.StartSession()
	if err != nil {
		return classify("store.commit", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, s.applyBatch(sc, b)
	})
	return classify("store.commit", err)
}

func (s *Store) applyBatch(ctx context.Context, b *store.Batch) error {
	for _, op := range b.Ops() {
		t, err := s.resolve(op.Collection)
		if err != nil {
			return err
		}
		id := t.docID(op.ID)
		switch {
		case op.IsSet():
			doc := encodeDoc(op.Data)
			doc["_id"] = id
			if _, err := t.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true)); err != nil {
				return err
			}
		case op.IsUpdate():
			res, err := t.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": encodeDoc(op.Data)})
			if err != nil {
				return err
			}
			if res.MatchedCount == 0 {
				return store.Errorf(store.KindNotFound, "%s/%s does not exist", op.Collection, op.ID)
			}
		case op.IsDelete():
			if _, err := t.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
				return err
			}
		case op.IsAppend():
			update := bson.M{"$push": bson.M{op.Field: encodeValue(op.Value)}}
			if _, err := t.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunTransaction implements store.Store. Reads run against the session for a
// consistent view; writes are buffered and applied in the same session before
// the transaction commits. Transient transaction errors retry up to
// TxAttempts within TxBudget.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	cfg := store.DefaultRetryConfig()
	return store.WithRetry(ctx, cfg, func() error {
		session, err := s.mongo.StartSession()
		if err != nil {
			return classify("store.tx", err)
		}
		defer session.EndSession(ctx)
		_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
			tx := &mongoTx{store: s, ctx: sc, writes: store.NewBatch()}
			if err := fn(tx); err != nil {
				return nil, err
			}
			return nil, s.applyBatch(sc, tx.writes)
		})
		return classify("store.tx", err)
	})
}

// mongoTx buffers writes because store.Tx write methods do not return
// errors; they surface when the buffered batch is applied at commit time.
type mongoTx struct {
	store  *Store
	ctx    mongodriver.SessionContext
	writes *store.Batch
}

func (t *mongoTx) Get(collection, id string) (store.Doc, error) {
	tg, err := t.store.resolve(collection)
	if err != nil {
		return nil, err
	}
	var raw bson.M
	if err := tg.coll.FindOne(t.ctx, bson.M{"_id": tg.docID(id)}).Decode(&raw); err != nil {
		return nil, classify("store.tx.get", err)
	}
	return decodeDoc(raw), nil
}

func (t *mongoTx) Count(collection string, q store.Query) (int, error) {
	tg, err := t.store.resolve(collection)
	if err != nil {
		return 0, err
	}
	filter, err := mongoFilter(q, tg)
	if err != nil {
		return 0, err
	}
	n, err := tg.coll.CountDocuments(t.ctx, filter)
	if err != nil {
		return 0, classify("store.tx.count", err)
	}
	return int(n), nil
}

func (t *mongoTx) Set(collection, id string, data store.Doc) {
	t.writes.Set(collection, id, data)
}

func (t *mongoTx) Update(collection, id string, fields store.Doc) {
	t.writes.Update(collection, id, fields)
}

func (t *mongoTx) Delete(collection, id string) {
	t.writes.Delete(collection, id)
}

func (t *mongoTx) Append(collection, id, field string, value any) {
	t.writes.Append(collection, id, field, value)
}

func mongoFilter(q store.Query, t target) (bson.M, error) {
	filter := bson.M{}
	if t.prefix != "" {
		// Subcollection scan: constrain to the parent's ID prefix.
		filter["_id"] = bson.M{
			"$gte": t.prefix,
			"$lt":  t.prefix + "\xff",
		}
	}
	for _, f := range q.Filters {
		switch f.Op {
		case "==":
			filter[f.Field] = encodeValue(f.Value)
		case "<=":
			filter[f.Field] = bson.M{"$lte": encodeValue(f.Value)}
		case "in":
			vals, ok := f.Value.([]string)
			if !ok {
				return nil, store.Errorf(store.KindInternal, "in filter on %s requires []string", f.Field)
			}
			filter[f.Field] = bson.M{"$in": vals}
		default:
			return nil, store.Errorf(store.KindInternal, "unsupported filter op %q", f.Op)
		}
	}
	return filter, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return store.E(store.KindNotFound, op, err)
	case mongodriver.IsDuplicateKeyError(err):
		return store.E(store.KindConflict, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.E(store.KindUnavailable, op, err)
	}
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("UnknownTransactionCommitResult") {
			return store.E(store.KindAborted, op, err)
		}
	}
	if mongodriver.IsTimeout(err) || mongodriver.IsNetworkError(err) {
		return store.E(store.KindUnavailable, op, err)
	}
	return store.E(store.KindInternal, op, err)
}

// encodeDoc converts a store.Doc to bson, copying so the caller's map is
// never aliased.
func encodeDoc(d store.Doc) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case store.Doc:
		return encodeDoc(val)
	case map[string]any:
		return encodeDoc(store.Doc(val))
	case []any:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	case []string:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}

// decodeDoc normalizes bson values into the store.Doc value set and strips
// the composite "_id".
func decodeDoc(raw bson.M) store.Doc {
	out := make(store.Doc, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	case bson.M:
		return store.Doc(decodeDoc(val))
	case map[string]any:
		return store.Doc(decodeDoc(bson.M(val)))
	case int32:
		return int64(val)
	case int:
		return int64(val)
	default:
		return v
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	rosterIdx := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}},
	}
	for _, name := range []string{"waiting", "responsePending", "inEvent", "cancelled"} {
		idx := rosterIdx
		if name == "responsePending" {
			idx = append(idx, mongodriver.IndexModel{Keys: bson.D{{Key: "deadline", Value: 1}}})
		}
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, idx); err != nil {
			return classify("store.indexes", err)
		}
	}
	if _, err := s.db.Collection("events").Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "organizer_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return classify("store.indexes", err)
	}
	if _, err := s.db.Collection("notification_logs").Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "sent_at", Value: -1}}},
	}); err != nil {
		return classify("store.indexes", err)
	}
	if _, err := s.db.Collection("profiles").Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}); err != nil {
		return classify("store.indexes", err)
	}
	return nil
}
