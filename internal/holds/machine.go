package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-sharded-checkout/internal/inventory"
)

// Restocker returns units to shard documents.
type Restocker interface {
	Restock(ctx context.Context, lines []inventory.Line, seedKey string) error
}

// Machine drives the hold lifecycle. Each operation claims first and only the
// winner of the claim touches stock, so units are returned at most once per
// hold. A restock that fails after a winning claim is queued on the restock
// index and returned later by Redrive.
type Machine struct {
	store *Store
	stock Restocker
	log   zerolog.Logger
}

func NewMachine(store *Store, stock Restocker, log zerolog.Logger) *Machine {
	return &Machine{
		store: store,
		stock: stock,
		log:   log.With().Str("component", "holds").Logger(),
	}
}

func (m *Machine) Store() *Store { return m.store }

// Release returns a held hold's units. restockSeed picks the shards; the hold
// id is used when it is empty.
func (m *Machine) Release(ctx context.Context, holdID, restockSeed string) (bool, error) {
	if restockSeed == "" {
		restockSeed = holdID
	}
	return m.claimAndRestock(ctx, holdID, StatusHeld, StatusReleased, restockSeed)
}

// Consume marks a hold's units as sold. No stock moves.
func (m *Machine) Consume(ctx context.Context, holdID string) (bool, error) {
	res, err := m.store.Claim(ctx, holdID, StatusHeld, StatusConsumed)
	if err != nil {
		return false, err
	}
	m.logOutcome(holdID, StatusHeld, StatusConsumed, res)
	return res.Outcome == Claimed, nil
}

// RestockFromConsumed puts a sold hold's units back after a full refund.
func (m *Machine) RestockFromConsumed(ctx context.Context, holdID string) (bool, error) {
	return m.claimAndRestock(ctx, holdID, StatusConsumed, StatusReleased, holdID)
}

// Expire returns the units of a hold whose deadline passed without payment.
func (m *Machine) Expire(ctx context.Context, holdID string) (bool, error) {
	return m.claimAndRestock(ctx, holdID, StatusHeld, StatusExpired, holdID)
}

func (m *Machine) claimAndRestock(ctx context.Context, holdID string, from, to Status, seed string) (bool, error) {
	res, err := m.store.ClaimForRestock(ctx, holdID, from, to, seed)
	if err != nil {
		return false, err
	}
	m.logOutcome(holdID, from, to, res)
	if res.Outcome != Claimed {
		return false, nil
	}
	return true, m.restock(ctx, holdID, res.Items, seed)
}

// Redrive retries the restock of a hold whose earlier restock failed. The
// marker is taken first, so concurrent redrives return the units once.
// Reports false when the hold is not waiting for a restock.
func (m *Machine) Redrive(ctx context.Context, holdID string) (bool, error) {
	h, err := m.store.TakeRestock(ctx, holdID)
	if err != nil {
		return false, err
	}
	if h == nil {
		m.log.Debug().Str("hold_id", holdID).Msg("no restock due")
		return false, nil
	}
	seed := h.RestockSeed
	if seed == "" {
		seed = h.HoldID
	}
	if err := m.restock(ctx, holdID, h.Items, seed); err != nil {
		return true, err
	}
	m.log.Info().Str("hold_id", holdID).Str("status", string(h.Status)).Msg("restock redriven")
	return true, nil
}

// ListRestockDue lists holds waiting for a redrive.
func (m *Machine) ListRestockDue(ctx context.Context, before time.Time, limit int32) ([]Hold, error) {
	return m.store.ListRestockDue(ctx, before, limit)
}

// restock returns items under a marker the caller holds. On failure the
// marker is given back so the hold shows up on the restock index.
func (m *Machine) restock(ctx context.Context, holdID string, items []inventory.Line, seed string) error {
	err := m.stock.Restock(ctx, items, seed)
	if err == nil {
		return nil
	}
	if qerr := m.store.RequeueRestock(context.WithoutCancel(ctx), holdID); qerr != nil {
		m.log.Error().Err(err).AnErr("requeue_err", qerr).Str("hold_id", holdID).
			Msg("restock failed and could not be queued for redrive")
		return fmt.Errorf("restock hold %s: %w", holdID, errors.Join(err, qerr))
	}
	m.log.Error().Err(err).Str("hold_id", holdID).Msg("restock failed, queued for redrive")
	return fmt.Errorf("restock hold %s: %w", holdID, err)
}

func (m *Machine) logOutcome(holdID string, from, to Status, res ClaimResult) {
	ev := m.log.Debug()
	switch res.Outcome {
	case NotFound:
		ev = m.log.Warn()
	case WrongState:
		ev = m.log.Info().Str("actual", string(res.Actual))
	}
	ev.Str("hold_id", holdID).Str("from", string(from)).Str("to", string(to)).
		Str("outcome", res.Outcome.String()).Msg("hold claim")
}
