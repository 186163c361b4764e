// Package exampleuc is a worked example use case exercising the
// promise store end to end: adding an entity schedules a promise to
// remove it again, demonstrating the whole create-claim-fulfill path
// without any domain logic of its own.
package exampleuc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cuemby/promised/pkg/ids"
	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/promise"
	"github.com/cuemby/promised/pkg/store"
)

// Kind is the entity-discriminating label stored on every example
// entity document.
const Kind = "ExampleEntity"

// ActionRemoveEntity is the registered action name the scheduled
// promise invokes to clean the entity back up.
const ActionRemoveEntity = "exampleuc.RemoveEntity"

// ExampleEntity is the only domain entity this package manages.
type ExampleEntity struct {
	store.Meta
	Name string `json:"Name"`
}

// UseCase wires the example entity lifecycle to a Store, registering
// its own promise action on construction.
type UseCase struct {
	store *store.Store
}

// New builds a UseCase over s and registers its fulfillment action.
// Only safe to call once per process: the underlying action registry
// is global, and a second registration for the same name silently
// replaces the first.
func New(s *store.Store) *UseCase {
	uc := &UseCase{store: s}
	promise.Register(ActionRemoveEntity, uc.removeEntity)
	return uc
}

func (uc *UseCase) removeEntity(ctx context.Context, p *promise.Promise) error {
	tx := uc.store.CreateTransaction(p.Partition())
	defer func() { _ = tx.Close() }()
	if err := tx.DeleteByID(p.Data(), store.IgnoreConcurrencyProtection()); err != nil {
		return err
	}
	return tx.Commit()
}

// AddEntities creates one ExampleEntity named "Jan" and a Promise
// scheduled to remove it again, both in a single committed
// transaction. The entity's id is also the promise's Data, so the
// action can find what to delete without a second lookup.
func (uc *UseCase) AddEntities(ctx context.Context) (*ExampleEntity, *promise.Promise, error) {
	entityID := ids.New(ctx)
	pk, err := ids.PartitionKeyFromID(entityID)
	if err != nil {
		return nil, nil, err
	}

	entity := &ExampleEntity{
		Meta: store.Meta{ID: entityID, Part: pk.String(), KindName: Kind},
		Name: "Jan",
	}

	// A request gets its own correlation id and audit id for
	// structured logging, independent of any id assigned to a
	// persisted entity.
	traceID := ids.New(ctx)
	auditID := ids.New(ctx)
	log.Logger.Debug().Str("trace_id", traceID).Str("audit_id", auditID).Str("entity_id", entityID).Msg("adding example entity")

	p, err := promise.CreateForEntity(ctx, entity, ActionRemoveEntity, entity.DocID())
	if err != nil {
		return nil, nil, err
	}
	// This promise is meant to be picked up later, by due time, not
	// attempted synchronously here — tell the transaction's disposal
	// check not to treat that as forgotten.
	if err := p.SuppressImmediateFulfillment(); err != nil {
		return nil, nil, err
	}

	tx := uc.store.CreateTransaction(pk.String())
	defer func() { _ = tx.Close() }()
	if err := tx.AddRange(entity, p); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	if err := tx.Close(); err != nil {
		return nil, nil, err
	}
	metrics.PromisesOutstanding.Inc()

	return entity, p, nil
}

// HandleAddEntities is the HTTP entry point for POST /Example/AddEntities.
func (uc *UseCase) HandleAddEntities(w http.ResponseWriter, r *http.Request) {
	entity, p, err := uc.AddEntities(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Entity  *ExampleEntity   `json:"entity"`
		Promise *promise.Promise `json:"promise"`
	}{entity, p})
}
