package store

// Query describes a lookup against the store. Every query must name
// either an entity Kind or an exact ID; a kind-less, id-less query
// would silently span unrelated entity types sharing a partition
// bucket, so Validate rejects it outright.
type Query struct {
	// Kind restricts the scan to documents of this entity type.
	Kind string
	// Partition restricts the scan to a single partition bucket. If
	// empty, Index must be set: a cross-partition scan can only
	// proceed through a maintained secondary index.
	Partition string
	// IDEquals, if set, looks up a single document by its exact id
	// (still scoped to Partition).
	IDEquals string
	// FieldEquals optionally filters decoded documents by a JSON
	// field name and its required string-ish representation. Applied
	// as a post-decode in-memory filter, the same way a single-
	// partition scan would be filtered in a real document store
	// before the query planner can help.
	FieldEquals map[string]any
	// Index names a maintained secondary index to scan instead of a
	// single partition (e.g. the promise due-time index). Mutually
	// exclusive with Partition.
	Index string
	// Ascending controls the secondary index scan order. Ignored for
	// partition scans, which are always ID order.
	Ascending bool
	// IndexMaxKey, if set, excludes index entries whose raw key sorts
	// after it. Index keys are byte-comparable, so a caller that packs
	// a timestamp as the key's leading bytes (as the promise due-time
	// index does) can use this for a "due before now" style bound.
	IndexMaxKey []byte
	// Limit caps the number of documents a single List call returns.
	// Zero means the store's default page size.
	Limit int
	// Continuation resumes a prior List call's scan from where it
	// left off.
	Continuation string
}

// Validate checks that q names enough information to avoid scanning
// across unrelated entity kinds.
func (q Query) Validate() error {
	if q.Kind == "" && q.IDEquals == "" {
		return ErrInvalidQuery
	}
	if q.Partition == "" && q.Index == "" {
		return ErrInvalidQuery
	}
	if q.Partition != "" && q.Index != "" {
		return ErrInvalidQuery
	}
	return nil
}

// Page is a single page of List results plus an opaque token for
// fetching the next one.
type Page[T any] struct {
	Items        []T
	Continuation string
}
