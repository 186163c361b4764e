// Package lock implements the momentary-lock factory: short-TTL
// unique-key documents used as a global mutex, acquired singly or as
// a deadlock-free sorted set with self-refreshing holders.
package lock

import (
	"encoding/base64"
	"strings"

	"github.com/cuemby/promised/pkg/ids"
	"github.com/cuemby/promised/pkg/store"
)

// TTLSeconds is the time-to-live of every unique-key document.
const TTLSeconds = 20

// UniqueKey is a path-qualified candidate value used as a global
// claim token. Path extraction is a compile-time-known string here
// rather than the reflection-over-expression-trees the source system
// uses, per the on-wire path format being the real contract.
type UniqueKey struct {
	Path  string
	Value string
}

// NewUniqueKey builds a UniqueKey for value, qualified by one or more
// JSON path segments naming the owning property (e.g. "Ord_Data",
// "Itm").
func NewUniqueKey(value string, pathSegments ...string) UniqueKey {
	return UniqueKey{Path: "|" + strings.Join(pathSegments, "|"), Value: value}
}

// encodedValue is the base64url (no padding) encoding of Value's
// UTF-8 bytes, truncated to 2×MaxPartitionKeyBytes bytes first.
func (k UniqueKey) encodedValue() string {
	raw := []byte(k.Value)
	if max := 2 * ids.MaxPartitionKeyBytes; len(raw) > max {
		raw = raw[:max]
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ID returns the document id this key maps to: "Uniq" + Path + "|" +
// the encoded value.
func (k UniqueKey) ID() string {
	return "Uniq" + k.Path + "|" + k.encodedValue()
}

// Partition returns the document's partition key: its own encoded
// value, so that two identical candidate values always collide in
// the same bucket regardless of Path.
func (k UniqueKey) Partition() string { return k.encodedValue() }

// Less orders keys by id, the sort discipline WaitRange uses to
// acquire a set of locks in a deadlock-free order.
func (k UniqueKey) Less(other UniqueKey) bool { return k.ID() < other.ID() }

type uniqueKeyDoc struct {
	store.Meta
	Path string `json:"Uniq_Path"`
	Val  string `json:"Uniq_Val"`
}

func newUniqueKeyDoc(k UniqueKey) *uniqueKeyDoc {
	return &uniqueKeyDoc{
		Meta: store.Meta{ID: k.ID(), Part: k.Partition(), KindName: "Uniq", TTL: TTLSeconds},
		Path: k.Path,
		Val:  k.encodedValue(),
	}
}
