package store

// Document is the interface every persisted entity implements. It is
// satisfied via the embedded Meta struct, which carries the fields a
// document store assigns itself (etag, storage timestamp) alongside
// the ones every query needs (id, partition, kind).
type Document interface {
	DocID() string
	Partition() string
	// Kind is the entity-discriminating label (e.g. "Promise",
	// "Uniq", "Migration") a Query must reference so that a scan of
	// a mixed-kind partition bucket never returns the wrong type.
	Kind() string
	Etag() string
	SetEtag(etag string)
	StorageTimestamp() int64
	SetStorageTimestamp(seconds int64)
	// TTLSeconds returns the document's time-to-live, or 0 for no
	// expiry.
	TTLSeconds() int
}

// Meta is embedded by every concrete entity type to satisfy the
// storage-assigned half of Document.
type Meta struct {
	ID       string `json:"id"`
	Part     string `json:"part"`
	KindName string `json:"kind"`
	// EtagValue is the storage-assigned version token. Empty means
	// this instance has never been persisted.
	EtagValue string `json:"_etag,omitempty"`
	// TSValue is the storage-assigned creation/modification instant
	// in seconds since epoch; zero means never loaded from storage.
	TSValue int64 `json:"_ts,omitempty"`
	// TTL is the document's time-to-live in seconds, or 0 for none.
	TTL int `json:"ttl,omitempty"`
}

func (m *Meta) DocID() string                     { return m.ID }
func (m *Meta) Partition() string                 { return m.Part }
func (m *Meta) Kind() string                      { return m.KindName }
func (m *Meta) Etag() string                      { return m.EtagValue }
func (m *Meta) SetEtag(etag string)               { m.EtagValue = etag }
func (m *Meta) StorageTimestamp() int64           { return m.TSValue }
func (m *Meta) SetStorageTimestamp(seconds int64) { m.TSValue = seconds }
func (m *Meta) TTLSeconds() int                   { return m.TTL }

// header is the minimal projection used to classify a stored record
// without decoding it fully into a concrete type.
type header struct {
	Kind string `json:"kind"`
	Part string `json:"part"`
}

// Indexable is implemented by document kinds that must also be
// reachable via a cross-partition secondary index (currently only
// Promise, for the salvager's oldest-due-first scan) rather than a
// general pattern/field registry, since only one such index is ever
// needed here.
type Indexable interface {
	Document
	// IndexKey returns the secondary-index sort key this document
	// currently occupies, or (_, false) if it has none.
	IndexKey() (key []byte, ok bool)
}
