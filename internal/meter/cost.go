// Package meter is the usage ledger: what each operation costs, appending
// billable events inside the caller's commit unit, and per-agent stats
// derived from the ledger.
package meter

import (
	"fmt"
	"math"
	"strconv"
)

// OpKind names an engine operation.
type OpKind string

const (
	OpStore  OpKind = "store"
	OpGet    OpKind = "get"
	OpSearch OpKind = "search"
	OpDelete OpKind = "delete"
)

// OpKinds lists every operation kind in display order.
var OpKinds = []OpKind{OpStore, OpGet, OpSearch, OpDelete}

// Billable reports whether op writes a usage event. Deletes are free and
// leave none.
func (op OpKind) Billable() bool {
	return op == OpStore || op == OpGet || op == OpSearch
}

// Cost is an amount of money in micro-dollars.
type Cost int64

const microsPerDollar = 1_000_000

// CostFromDollars converts a dollar amount, rounding to the nearest micro-dollar.
func CostFromDollars(d float64) Cost {
	return Cost(math.Round(d * microsPerDollar))
}

// Dollars returns c as a float dollar amount.
func (c Cost) Dollars() float64 {
	return float64(c) / microsPerDollar
}

func (c Cost) String() string {
	return strconv.FormatFloat(c.Dollars(), 'f', -1, 64)
}

// Pricing is the per-operation price list. Delete is always free.
type Pricing struct {
	Store  Cost
	Get    Cost
	Search Cost
}

// DefaultPricing returns $0.001 per store and get, $0.005 per search.
func DefaultPricing() Pricing {
	return Pricing{
		Store:  CostFromDollars(0.001),
		Get:    CostFromDollars(0.001),
		Search: CostFromDollars(0.005),
	}
}

// For returns the price of op.
func (p Pricing) For(op OpKind) Cost {
	switch op {
	case OpStore:
		return p.Store
	case OpGet:
		return p.Get
	case OpSearch:
		return p.Search
	}
	return 0
}

// Validate rejects negative prices.
func (p Pricing) Validate() error {
	for _, op := range []OpKind{OpStore, OpGet, OpSearch} {
		if p.For(op) < 0 {
			return fmt.Errorf("price for %s is negative", op)
		}
	}
	return nil
}
