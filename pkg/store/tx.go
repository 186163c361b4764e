package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"go.etcd.io/bbolt"
)

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opDelete
)

type writeOptions struct {
	ignoreConcurrency bool
}

// WriteOption modifies how Update/Delete apply their etag check.
type WriteOption func(*writeOptions)

// IgnoreConcurrencyProtection skips the etag comparison for this
// write. Delete(id) requires this explicitly, since there is no
// loaded entity to carry a known-good etag.
func IgnoreConcurrencyProtection() WriteOption {
	return func(o *writeOptions) { o.ignoreConcurrency = true }
}

type pendingOp struct {
	kind  opKind
	doc   Document
	idDel string
	opts  writeOptions
}

// Tx batches a set of writes against a single partition into one
// all-or-nothing commit, etag-checked per document.
//
// A Tx is single-partition by construction (spec's batched-
// transaction constraint): every document added, updated, or deleted
// through it must belong to the same partition key the Tx was
// created with.
type Tx struct {
	store     *Store
	partition string
	ops       []pendingOp
	done      bool
	closed    bool
}

// firstAttemptHolder is duck-typed against promise.Promise without an
// import (pkg/promise already imports pkg/store, so a direct
// reference back would cycle). Close uses it to enforce the
// forgotten-promise disposal rule against whatever is staged.
type firstAttemptHolder interface {
	IsFirstAttempt() bool
	AvailableAttemptCount() int
	ImmediateFulfillmentSuppressed() bool
}

// MaxOpsPerTransaction is the largest number of writes a single
// Tx.Commit will accept.
const MaxOpsPerTransaction = 100

// CreateTransaction opens a new transaction scoped to partition pk.
func (s *Store) CreateTransaction(pk string) *Tx {
	return &Tx{store: s, partition: pk}
}

// Add stages the creation of a brand-new document. It fails at
// Commit time with ConcurrencyConflict if a document with the same id
// already exists.
func (tx *Tx) Add(doc Document) error {
	if err := tx.checkPartition(doc); err != nil {
		return err
	}
	tx.ops = append(tx.ops, pendingOp{kind: opAdd, doc: doc})
	return nil
}

// AddRange stages the creation of every document in docs, in order.
// Equivalent to calling Add for each, stopping at the first error.
func (tx *Tx) AddRange(docs ...Document) error {
	for _, doc := range docs {
		if err := tx.Add(doc); err != nil {
			return err
		}
	}
	return nil
}

// Update stages an etag-conditional overwrite of doc. Pass
// IgnoreConcurrencyProtection() to overwrite regardless of etag.
func (tx *Tx) Update(doc Document, opts ...WriteOption) error {
	if err := tx.checkPartition(doc); err != nil {
		return err
	}
	var wo writeOptions
	for _, o := range opts {
		o(&wo)
	}
	tx.ops = append(tx.ops, pendingOp{kind: opUpdate, doc: doc, opts: wo})
	return nil
}

// Delete stages an etag-conditional deletion of doc.
func (tx *Tx) Delete(doc Document, opts ...WriteOption) error {
	if err := tx.checkPartition(doc); err != nil {
		return err
	}
	var wo writeOptions
	for _, o := range opts {
		o(&wo)
	}
	tx.ops = append(tx.ops, pendingOp{kind: opDelete, doc: doc, opts: wo})
	return nil
}

// DeleteByID stages a deletion by id alone, without a loaded entity
// to compare etags against. This always requires
// IgnoreConcurrencyProtection() explicitly; omitting it is a
// programmer error.
func (tx *Tx) DeleteByID(id string, opts ...WriteOption) error {
	var wo writeOptions
	for _, o := range opts {
		o(&wo)
	}
	if !wo.ignoreConcurrency {
		return fmt.Errorf("%w: DeleteByID requires IgnoreConcurrencyProtection", ErrInvalidState)
	}
	tx.ops = append(tx.ops, pendingOp{kind: opDelete, idDel: id, opts: wo})
	return nil
}

func (tx *Tx) checkPartition(doc Document) error {
	if doc.Partition() != tx.partition {
		return fmt.Errorf("%w: document partition %q does not match transaction partition %q", ErrInvalidState, doc.Partition(), tx.partition)
	}
	return nil
}

// Commit applies every staged op atomically. Etags are back-filled
// onto the in-memory documents in submission order once the commit
// succeeds.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("%w: transaction already disposed", ErrInvalidState)
	}
	tx.done = true
	if len(tx.ops) == 0 {
		return nil
	}
	if len(tx.ops) > MaxOpsPerTransaction {
		return fmt.Errorf("%w: transaction has %d ops, exceeds limit of %d", ErrInvalidState, len(tx.ops), MaxOpsPerTransaction)
	}

	now := tx.store.clk.Now()
	return tx.store.db.Update(func(btx *bbolt.Tx) error {
		b, err := btx.CreateBucketIfNotExists(partitionBucketName(tx.partition))
		if err != nil {
			return StorageErrorf("create bucket for partition %s: %v", tx.partition, err)
		}
		for i := range tx.ops {
			if err := applyOp(btx, b, &tx.ops[i], now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close disposes of tx. Calling it without a prior Commit rolls the
// batch back (bbolt never saw the staged ops, so there is nothing to
// undo on disk); calling it after a successful Commit is purely a
// safety check. Either way, Close fails ErrForgottenPromise if any
// staged document is a first-attempt promise still carrying an
// available attempt nobody went on to consume or suppress. Safe to
// call more than once; every call after the first is a no-op.
func (tx *Tx) Close() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.done = true
	for _, op := range tx.ops {
		fa, ok := op.doc.(firstAttemptHolder)
		if !ok {
			continue
		}
		if fa.IsFirstAttempt() && fa.AvailableAttemptCount() > 0 && !fa.ImmediateFulfillmentSuppressed() {
			return ErrForgottenPromise
		}
	}
	return nil
}

// Rollback is Close under the name a caller reaches for when the
// decision being made is explicitly "abandon this transaction".
func (tx *Tx) Rollback() error {
	return tx.Close()
}

func applyOp(btx *bbolt.Tx, b *bbolt.Bucket, op *pendingOp, now timeNow) error {
	switch op.kind {
	case opAdd:
		id := op.doc.DocID()
		if existing := b.Get([]byte(id)); existing != nil {
			return ConcurrencyConflict(fmt.Errorf("document %s already exists", id))
		}
		op.doc.SetStorageTimestamp(now.Unix())
		op.doc.SetEtag(encodeEtag(1))
		raw, err := json.Marshal(op.doc)
		if err != nil {
			return StorageErrorf("encode %s: %v", id, err)
		}
		if err := b.Put([]byte(id), raw); err != nil {
			return StorageErrorf("put %s: %v", id, err)
		}
		return maintainIndex(btx, op.doc, nil)

	case opUpdate:
		id := op.doc.DocID()
		existing := b.Get([]byte(id))
		if existing == nil {
			return fmt.Errorf("%w: document %s does not exist", ErrInvalidState, id)
		}
		if !op.opts.ignoreConcurrency {
			var h struct {
				Etag string `json:"_etag"`
			}
			if err := json.Unmarshal(existing, &h); err != nil {
				return StorageErrorf("decode existing %s: %v", id, err)
			}
			if h.Etag != op.doc.Etag() {
				return ConcurrencyConflict(fmt.Errorf("etag mismatch on %s", id))
			}
		}
		next := nextRevision(op.doc.Etag())
		op.doc.SetStorageTimestamp(now.Unix())
		op.doc.SetEtag(encodeEtag(next))
		raw, err := json.Marshal(op.doc)
		if err != nil {
			return StorageErrorf("encode %s: %v", id, err)
		}
		if err := b.Put([]byte(id), raw); err != nil {
			return StorageErrorf("put %s: %v", id, err)
		}
		return maintainIndex(btx, op.doc, existing)

	case opDelete:
		id := op.idDel
		if op.doc != nil {
			id = op.doc.DocID()
		}
		existing := b.Get([]byte(id))
		if existing == nil {
			return nil // deleting an absent document is a no-op
		}
		if op.doc != nil && !op.opts.ignoreConcurrency {
			var h struct {
				Etag string `json:"_etag"`
			}
			if err := json.Unmarshal(existing, &h); err != nil {
				return StorageErrorf("decode existing %s: %v", id, err)
			}
			if h.Etag != op.doc.Etag() {
				return ConcurrencyConflict(fmt.Errorf("etag mismatch on %s", id))
			}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return StorageErrorf("delete %s: %v", id, err)
		}
		if op.doc != nil {
			return removeIndexEntry(btx, op.doc, existing)
		}
		return nil
	}
	return nil
}

func maintainIndex(btx *bbolt.Tx, doc Document, previous []byte) error {
	if previous != nil {
		if err := removeIndexEntry(btx, doc, previous); err != nil {
			return err
		}
	}
	indexable, ok := doc.(Indexable)
	if !ok {
		return nil
	}
	key, ok := indexable.IndexKey()
	if !ok {
		return nil
	}
	ib, err := btx.CreateBucketIfNotExists(indexBucketName(doc.Kind()))
	if err != nil {
		return StorageErrorf("create index bucket for %s: %v", doc.Kind(), err)
	}
	return ib.Put(key, indexValue(doc.Partition(), doc.DocID()))
}

// removeIndexEntry drops whatever secondary-index entry the document
// previously stored at previousRaw occupied, if any. sample must be a
// pointer to the same concrete type the document was last written
// as, so that unmarshaling previousRaw into it and asking it for its
// prior IndexKey recovers the exact key to delete, rather than
// guessing at a known field name.
func removeIndexEntry(btx *bbolt.Tx, sample Document, previousRaw []byte) error {
	indexable, ok := sample.(Indexable)
	if !ok {
		return nil
	}
	prior := newLike(sample)
	if err := json.Unmarshal(previousRaw, prior); err != nil {
		return nil // best-effort; a malformed previous record has no index entry to clean up
	}
	priorIndexable, ok := prior.(Indexable)
	if !ok {
		return nil
	}
	key, ok := priorIndexable.IndexKey()
	if !ok {
		return nil
	}
	ib := btx.Bucket(indexBucketName(indexable.Kind()))
	if ib == nil {
		return nil
	}
	return ib.Delete(key)
}

// newLike allocates a zero value of sample's concrete pointed-to type
// and returns it as a new Document, for decoding a prior revision
// without disturbing sample itself.
func newLike(sample Document) Document {
	t := reflect.TypeOf(sample).Elem()
	return reflect.New(t).Interface().(Document)
}

func nextRevision(etag string) uint64 {
	var rev uint64
	_, _ = fmt.Sscanf(etag, "%x", &rev)
	return rev + 1
}

// timeNow is a tiny indirection so applyOp doesn't need to import
// time directly just to call Unix().
type timeNow interface{ Unix() int64 }
