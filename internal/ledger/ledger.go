// Package ledger computes batch-level stock allocations for one product
// under a First-Expire-First-Out policy. Planning is pure: nothing here
// mutates a batch. The repository applies a committed plan inside the same
// atomic unit of work that updates the product stock aggregate.
package ledger

import (
	"slices"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

// Policy controls batch eligibility. Expired batches are excluded from
// ordinary sales; AllowExpired exists for disposal/write-off flows.
type Policy struct {
	AllowExpired bool
}

// Allocation is one (batch, quantity) leg of a plan.
type Allocation struct {
	BatchID  string
	Quantity int
}

// Plan is the computed, not-yet-committed mapping of how much stock to take
// from which batches to satisfy a requested quantity.
type Plan struct {
	ProductID   string
	Allocations []Allocation
}

// Total is the summed quantity across all legs.
func (p Plan) Total() int {
	total := 0
	for _, a := range p.Allocations {
		total += a.Quantity
	}
	return total
}

// Clone returns an independent copy of the plan.
func (p Plan) Clone() Plan {
	dup := Plan{ProductID: p.ProductID}
	dup.Allocations = make([]Allocation, len(p.Allocations))
	copy(dup.Allocations, p.Allocations)
	return dup
}

// SortFEFO orders batches ascending by expiration date, ties broken by
// ascending id so allocation order is deterministic.
func SortFEFO(batches []domain.Batch) {
	slices.SortFunc(batches, func(a, b domain.Batch) int {
		ad, bd := domain.DayUTC(a.ExpirationDate), domain.DayUTC(b.ExpirationDate)
		if ad.Before(bd) {
			return -1
		}
		if ad.After(bd) {
			return 1
		}
		if a.ID == b.ID {
			return 0
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
}

func eligible(b domain.Batch, now time.Time, pol Policy) bool {
	if b.Stock < 1 {
		return false
	}
	if !pol.AllowExpired && b.IsExpired(now) {
		return false
	}
	return true
}

// Available sums the stock of every batch eligible under the policy.
func Available(batches []domain.Batch, now time.Time, pol Policy) int {
	total := 0
	for _, b := range batches {
		if eligible(b, now, pol) {
			total += b.Stock
		}
	}
	return total
}

// Allocate walks the product's batches in FEFO order and builds a plan
// consuming quantity units. It returns store.ErrInvalidQuantity for a
// non-positive quantity and store.ErrInsufficientStock when the eligible
// batches cannot cover the request; in both cases no plan is produced.
func Allocate(productID string, batches []domain.Batch, quantity int, now time.Time, pol Policy) (Plan, error) {
	if quantity < 1 {
		return Plan{}, store.ErrInvalidQuantity
	}
	if Available(batches, now, pol) < quantity {
		return Plan{}, store.ErrInsufficientStock
	}

	sorted := make([]domain.Batch, len(batches))
	copy(sorted, batches)
	SortFEFO(sorted)

	plan := Plan{ProductID: productID}
	remaining := quantity
	for _, b := range sorted {
		if remaining == 0 {
			break
		}
		if !eligible(b, now, pol) {
			continue
		}
		take := remaining
		if take > b.Stock {
			take = b.Stock
		}
		plan.Allocations = append(plan.Allocations, Allocation{BatchID: b.ID, Quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		// Availability was checked up front; reaching here means the batch
		// snapshot changed underneath us.
		return Plan{}, store.ErrInsufficientStock
	}
	return plan, nil
}

// Release returns the inverse of a committed plan: the same legs with the
// quantities to add back to each batch. Used on sale void and on downward
// quantity edits.
func Release(p Plan) []Allocation {
	out := make([]Allocation, len(p.Allocations))
	copy(out, p.Allocations)
	return out
}

// ReallocateDelta adjusts a committed plan to a new target quantity.
//
// delta > 0 allocates the additional units from the current batch state
// (which already reflects the original plan's consumption) and merges the
// new legs in. delta < 0 releases units LIFO from the most recently
// allocated legs so the FEFO ordering of what remains allocated is not
// disturbed. delta == 0 returns the original plan unchanged.
//
// The returned released legs carry the quantities to add back per batch.
func ReallocateDelta(batches []domain.Batch, original Plan, newQuantity int, now time.Time, pol Policy) (Plan, []Allocation, error) {
	if newQuantity < 1 {
		return Plan{}, nil, store.ErrInvalidQuantity
	}
	delta := newQuantity - original.Total()
	if delta == 0 {
		return original.Clone(), nil, nil
	}

	if delta > 0 {
		extra, err := Allocate(original.ProductID, batches, delta, now, pol)
		if err != nil {
			return Plan{}, nil, err
		}
		merged := original.Clone()
		for _, leg := range extra.Allocations {
			merged.addLeg(leg)
		}
		return merged, nil, nil
	}

	reduced := original.Clone()
	released := make([]Allocation, 0, len(reduced.Allocations))
	toRelease := -delta
	for i := len(reduced.Allocations) - 1; i >= 0 && toRelease > 0; i-- {
		leg := &reduced.Allocations[i]
		give := toRelease
		if give > leg.Quantity {
			give = leg.Quantity
		}
		leg.Quantity -= give
		toRelease -= give
		released = append(released, Allocation{BatchID: leg.BatchID, Quantity: give})
	}
	kept := reduced.Allocations[:0]
	for _, leg := range reduced.Allocations {
		if leg.Quantity > 0 {
			kept = append(kept, leg)
		}
	}
	reduced.Allocations = kept
	return reduced, released, nil
}

func (p *Plan) addLeg(leg Allocation) {
	for i := range p.Allocations {
		if p.Allocations[i].BatchID == leg.BatchID {
			p.Allocations[i].Quantity += leg.Quantity
			return
		}
	}
	p.Allocations = append(p.Allocations, leg)
}
