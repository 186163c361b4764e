// Package store is a transactional, etag-guarded document store built
// on go.etcd.io/bbolt. Each partition key gets its own top-level
// bucket; a handful of maintained secondary-index buckets let a
// caller scan across partitions in a fixed sort order (currently only
// the promise due-time index needs this).
//
// bbolt has neither a native etag nor a native TTL, so both are
// simulated here: etags are an 8-byte monotonic revision counter
// packed into the JSON envelope as "_etag", and TTL expiry is swept
// by a background janitor goroutine rather than enforced by the
// storage engine itself.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuemby/promised/pkg/clock"
)

const partitionBucketPrefix = "p/"
const indexBucketPrefix = "ix/"

// idDerivedPartitionKeyLength mirrors pkg/ids.PartitionKeyLength
// without importing that package: an id's trailing characters of
// this length double as its partition key for every entity whose
// partition is id-derived rather than caller-chosen. Get uses it as
// a soft consistency check, not a hard dependency on ids' format.
const idDerivedPartitionKeyLength = 3

func partitionBucketName(pk string) []byte { return []byte(partitionBucketPrefix + pk) }
func indexBucketName(name string) []byte   { return []byte(indexBucketPrefix + name) }

// Store is a bbolt-backed document store.
type Store struct {
	db       *bbolt.DB
	clk      clock.Clock
	ttl      time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	closeOne sync.Once
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the clock used for TTL sweeps and storage
// timestamps. Defaults to clock.System.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// WithJanitorInterval overrides how often the TTL janitor sweeps for
// expired documents. Defaults to 30s.
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Open opens (creating if necessary) a bbolt-backed store at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, StorageErrorf("open %s: %v", path, err)
	}
	s := &Store{db: db, clk: clock.System, ttl: 30 * time.Second, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	go s.runJanitor()
	return s, nil
}

// Close stops the janitor and closes the underlying database file.
// Idempotent: a second call is a no-op, since a caller that already
// closed the store for cleanup shouldn't have to track whether some
// other path (e.g. a test forcing a storage error) beat it to it.
func (s *Store) Close() error {
	var err error
	s.closeOne.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		err = s.db.Close()
	})
	return err
}

// Get fetches the document with the given id in partition pk into out,
// reporting false if it does not exist. When pk looks id-derived
// (exactly idDerivedPartitionKeyLength characters), it must actually
// be the trailing characters of id — a caller passing a partition
// that id was never assigned to is a programmer error, not a
// not-found.
func (s *Store) Get(ctx context.Context, id, pk string, out Document) (bool, error) {
	if len(pk) == idDerivedPartitionKeyLength && len(id) >= idDerivedPartitionKeyLength {
		if id[len(id)-idDerivedPartitionKeyLength:] != pk {
			return false, fmt.Errorf("%w: partition %q is not derived from id %q", ErrInvalidState, pk, id)
		}
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(partitionBucketName(pk))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return false, StorageErrorf("get %s/%s: %v", pk, id, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, StorageErrorf("decode %s/%s: %v", pk, id, err)
	}
	return true, nil
}

// Exists reports whether q matches at least one document.
func (s *Store) Exists(ctx context.Context, q Query) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	found := false
	err := s.scanPartition(q, func(raw []byte) (bool, error) {
		found = true
		return false, nil // stop after first match
	})
	return found, err
}

// GetTyped fetches a document of concrete type T (whose pointer
// implements Document) by id and partition.
func GetTyped[T any, PT interface {
	*T
	Document
}](ctx context.Context, s *Store, id, pk string) (T, bool, error) {
	var t T
	ok, err := s.Get(ctx, id, pk, PT(&t))
	return t, ok, err
}

// Load runs q and decodes the single matching document into a fresh
// T. It fails ErrMultipleMatches if more than one document matches.
func Load[T any, PT interface {
	*T
	Document
}](ctx context.Context, s *Store, q Query) (T, bool, error) {
	var zero T
	if err := q.Validate(); err != nil {
		return zero, false, err
	}
	var match *T
	err := s.scanPartition(q, func(raw []byte) (bool, error) {
		var t T
		if err := json.Unmarshal(raw, PT(&t)); err != nil {
			return false, err
		}
		if match != nil {
			return false, ErrMultipleMatches
		}
		match = &t
		return true, nil
	})
	if err != nil {
		return zero, false, err
	}
	if match == nil {
		return zero, false, nil
	}
	return *match, true, nil
}

const defaultPageSize = 50

// List returns one page of documents matching q, in ID order for a
// partition scan or index order for an index scan.
func List[T any, PT interface {
	*T
	Document
}](ctx context.Context, s *Store, q Query) (Page[T], error) {
	if err := q.Validate(); err != nil {
		return Page[T]{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	var items []T
	var lastKey string
	err := s.scanPartitionFrom(q, q.Continuation, func(key string, raw []byte) (bool, error) {
		var t T
		if err := json.Unmarshal(raw, PT(&t)); err != nil {
			return false, err
		}
		items = append(items, t)
		lastKey = key
		return len(items) < limit, nil
	})
	if err != nil {
		return Page[T]{}, err
	}
	page := Page[T]{Items: items}
	if len(items) == limit {
		page.Continuation = lastKey
	}
	return page, nil
}

// Enumerate iterates every document matching q across as many pages
// as needed. An error fetching or decoding a page is yielded once,
// with a zero document, and ends the iteration.
func Enumerate[T any, PT interface {
	*T
	Document
}](ctx context.Context, s *Store, q Query) func(yield func(T, error) bool) {
	return func(yield func(T, error) bool) {
		cont := q.Continuation
		for {
			pageQuery := q
			pageQuery.Continuation = cont
			page, err := List[T, PT](ctx, s, pageQuery)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.Continuation == "" {
				return
			}
			cont = page.Continuation
		}
	}
}

// scanPartition walks matching records in a single partition bucket,
// invoking fn for each raw JSON value until it returns false.
func (s *Store) scanPartition(q Query, fn func(raw []byte) (bool, error)) error {
	return s.scanPartitionFrom(q, "", func(_ string, raw []byte) (bool, error) {
		return fn(raw)
	})
}

func (s *Store) scanPartitionFrom(q Query, after string, fn func(key string, raw []byte) (bool, error)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if q.Index != "" {
			return s.scanIndex(tx, q, after, fn)
		}
		b := tx.Bucket(partitionBucketName(q.Partition))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if q.IDEquals != "" {
			k, v = c.Seek([]byte(q.IDEquals))
		} else if after != "" {
			seekKey, seekVal := c.Seek([]byte(after))
			if seekKey != nil && string(seekKey) == after {
				// after itself is still present: step past it.
				k, v = c.Next()
			} else {
				// after was deleted since the caller last saw it; Seek
				// already landed on the first surviving key past it.
				k, v = seekKey, seekVal
			}
		} else {
			k, v = c.First()
		}
		for k != nil {
			if q.IDEquals != "" && string(k) != q.IDEquals {
				break
			}
			ok, err := matchesAndYield(q, k, v, fn)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if q.IDEquals != "" {
				return nil
			}
			k, v = c.Next()
		}
		return nil
	})
}

func matchesAndYield(q Query, k, v []byte, fn func(key string, raw []byte) (bool, error)) (bool, error) {
	var h header
	if err := json.Unmarshal(v, &h); err != nil {
		return false, fmt.Errorf("decode header for %s: %w", k, err)
	}
	if q.Kind != "" && h.Kind != q.Kind {
		return true, nil
	}
	if len(q.FieldEquals) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(v, &fields); err != nil {
			return false, err
		}
		for field, want := range q.FieldEquals {
			if fmt.Sprint(fields[field]) != fmt.Sprint(want) {
				return true, nil
			}
		}
	}
	return fn(string(k), v)
}

func (s *Store) scanIndex(tx *bbolt.Tx, q Query, after string, fn func(key string, raw []byte) (bool, error)) error {
	b := tx.Bucket(indexBucketName(q.Index))
	if b == nil {
		return nil
	}
	type entry struct {
		key  []byte
		part string
		id   string
	}
	var entries []entry
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		pk, id := splitIndexValue(v)
		entries = append(entries, entry{key: append([]byte(nil), k...), part: pk, id: id})
	}
	// bbolt's cursor already yields keys in ascending order; reverse
	// in place for a descending scan.
	if !q.Ascending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	skipping := after != ""
	for _, e := range entries {
		if skipping {
			if e.id == after {
				skipping = false
			}
			continue
		}
		if q.IndexMaxKey != nil && bytes.Compare(e.key, q.IndexMaxKey) > 0 {
			continue
		}
		pb := tx.Bucket(partitionBucketName(e.part))
		if pb == nil {
			continue
		}
		v := pb.Get([]byte(e.id))
		if v == nil {
			continue
		}
		ok, err := matchesAndYield(q, []byte(e.id), v, fn)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func indexValue(partition, id string) []byte {
	return []byte(partition + "|" + id)
}

func splitIndexValue(v []byte) (partition, id string) {
	s := string(v)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:]
		}
	}
	return "", s
}

func encodeEtag(rev uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], rev)
	return fmt.Sprintf("%x", b)
}
