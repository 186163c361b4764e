// Package promise implements the Promise entity: a persisted intent
// to eventually invoke a named, idempotent action, along with the
// claim-state machine that lets competing workers race for it safely
// via etag-conditional updates.
package promise

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/ids"
	"github.com/cuemby/promised/pkg/store"
)

// ClaimDuration is the window a claimant has to fulfill a promise
// before another worker is allowed to retry it.
const ClaimDuration = 60 * time.Second

// Kind is the entity-discriminating label stored on every promise
// document.
const Kind = "Promise"

// Promise is a persisted intent to invoke ActionName once, carrying
// whatever opaque Data the action needs.
type Promise struct {
	store.Meta
	DueValue  time.Time `json:"Promise_Due"`
	AtpCnt    uint      `json:"Promise_AtpCnt"`
	ActName   string    `json:"Promise_Act"`
	DataValue string    `json:"Promise_Dta"`

	// availableAttempt is derived, in-memory-only state: whether the
	// current etag still represents an attempt nobody has consumed.
	availableAttempt bool

	// suppressed records that SuppressImmediateFulfillment was ever
	// called on this instance. Unlike availableAttempt it is never
	// reset by a later SetEtag, so it survives the creating
	// transaction's own Commit — which otherwise unconditionally
	// restores availableAttempt to true on every promise it persists.
	suppressed bool
}

// Due returns the instant this promise next becomes eligible for an
// attempt.
func (p *Promise) Due() time.Time { return p.DueValue }

// AttemptCount returns the number of attempts made so far, starting
// at 1 for a newly created promise.
func (p *Promise) AttemptCount() uint { return p.AtpCnt }

// ActionName returns the stable, registered action name.
func (p *Promise) ActionName() string { return p.ActName }

// Data returns the opaque payload passed to the action.
func (p *Promise) Data() string { return p.DataValue }

// AvailableAttemptCount is 1 whenever the current etag represents an
// attempt nobody has consumed yet, 0 otherwise.
func (p *Promise) AvailableAttemptCount() int {
	if p.availableAttempt {
		return 1
	}
	return 0
}

// IsFirstAttempt reports whether this is the promise's first attempt.
func (p *Promise) IsFirstAttempt() bool { return p.AtpCnt == 1 }

// HasTimeToFulfill reports whether at least half of ClaimDuration
// remains before Due, evaluated against the ambient clock.
func (p *Promise) HasTimeToFulfill(ctx context.Context) bool {
	return p.DueValue.Sub(clock.Now(ctx)) >= ClaimDuration/2
}

// IndexKey implements store.Indexable: promises are discoverable by
// due time across every partition, since a promise's own partition is
// derived from its id rather than chosen by the caller.
func (p *Promise) IndexKey() (key []byte, ok bool) {
	var b [8 + 22]byte
	binary.BigEndian.PutUint64(b[:8], uint64(p.DueValue.UnixNano()))
	copy(b[8:], p.ID)
	return b[:8+len(p.ID)], true
}

// DueIndexUpperBound packs an upper bound on the due-time index for a
// "due at or before t" scan: the salvager uses this to find promises
// ready to be claimed without reading every partition.
func DueIndexUpperBound(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	// 0xff suffix bytes sort after any real id of the same due time, so
	// every entry due exactly at t is included.
	return append(b[:], 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

// ErrUnknownAction is returned by Create when action has no
// registered handler.
var ErrUnknownAction = errors.New("promise: unknown action")

// Create builds a new, not-yet-persisted promise for action with
// data, generating a fresh id in whatever partition scope is ambient
// on ctx. Fails ErrUnknownAction if action was never registered.
func Create(ctx context.Context, action, data string) (*Promise, error) {
	if _, ok := lookup(action); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	id := ids.New(ctx)
	pk, err := ids.PartitionKeyFromID(id)
	if err != nil {
		return nil, err
	}
	return newPromise(ctx, id, pk.String(), action, data), nil
}

// PartitionedEntity is any persisted entity whose partition a promise
// can be co-located with.
type PartitionedEntity interface {
	Partition() string
}

// CreateForEntity builds a new promise in the same partition as
// entity, rather than the ambient scope.
func CreateForEntity(ctx context.Context, entity PartitionedEntity, action, data string) (*Promise, error) {
	if _, ok := lookup(action); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	id := ids.NewInPartition(ctx, entity.Partition())
	return newPromise(ctx, id, entity.Partition(), action, data), nil
}

func newPromise(ctx context.Context, id, partition, action, data string) *Promise {
	return &Promise{
		Meta: store.Meta{
			ID:       id,
			Part:     partition,
			KindName: Kind,
		},
		DueValue: clock.Now(ctx).Add(ClaimDuration),
		AtpCnt:   1,
		ActName:  action,
		DataValue: data,
	}
}

// SetEtag overrides store.Meta.SetEtag to additionally flip
// availableAttempt on, since an etag (re-)assignment (insert or
// claim-update) always restores the in-memory "available" state —
// ConsumeAttempt and SuppressImmediateFulfillment are what clear it.
func (p *Promise) SetEtag(etag string) {
	p.Meta.SetEtag(etag)
	p.availableAttempt = true
}

// SuppressImmediateFulfillment marks this promise as intentionally
// deferred rather than attempted right after creation. Only legal on
// an instance never loaded from storage.
func (p *Promise) SuppressImmediateFulfillment() error {
	if p.StorageTimestamp() != 0 {
		return fmt.Errorf("%w: cannot suppress a promise already loaded from storage", store.ErrInvalidState)
	}
	p.availableAttempt = false
	p.suppressed = true
	return nil
}

// ImmediateFulfillmentSuppressed reports whether
// SuppressImmediateFulfillment was ever called on this instance. A
// transaction's disposal uses this, alongside AvailableAttemptCount,
// to tell a promise that was explicitly deferred before being
// persisted apart from one its creator simply forgot to decide about.
func (p *Promise) ImmediateFulfillmentSuppressed() bool {
	return p.suppressed
}

// ClaimForAttempt moves Due forward by ClaimDuration and increments
// AttemptCount, in memory only — the caller still must persist this
// via an etag-conditional Tx.Update to actually win the claim. Legal
// only when Due has passed and the instance was loaded from storage.
func (p *Promise) ClaimForAttempt(ctx context.Context) error {
	if p.StorageTimestamp() == 0 {
		return fmt.Errorf("%w: cannot claim a promise never loaded from storage", store.ErrInvalidState)
	}
	if p.DueValue.After(clock.Now(ctx)) {
		return fmt.Errorf("%w: promise is not yet due", store.ErrInvalidState)
	}
	p.availableAttempt = false
	p.AtpCnt++
	p.DueValue = clock.Now(ctx).Add(ClaimDuration)
	return nil
}

// ConsumeAttempt marks the current available attempt as spent, about
// to be handed to the fulfiller. Requires an etag, an available
// attempt, and either enough remaining time or that this is the first
// attempt.
func (p *Promise) ConsumeAttempt(ctx context.Context) error {
	if p.Etag() == "" {
		return fmt.Errorf("%w: cannot consume an attempt on an unpersisted promise", store.ErrInvalidState)
	}
	if p.AvailableAttemptCount() == 0 {
		return fmt.Errorf("%w: no available attempt to consume", store.ErrInvalidState)
	}
	if !p.HasTimeToFulfill(ctx) && !p.IsFirstAttempt() {
		return fmt.Errorf("%w: claim is not fresh enough to fulfill", store.ErrInvalidState)
	}
	p.availableAttempt = false
	return nil
}
