package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostFromDollars(t *testing.T) {
	assert.Equal(t, Cost(1000), CostFromDollars(0.001))
	assert.Equal(t, Cost(5000), CostFromDollars(0.005))
	assert.Equal(t, Cost(0), CostFromDollars(0))
	assert.Equal(t, "0.001", CostFromDollars(0.001).String())
	assert.InDelta(t, 0.005, Cost(5000).Dollars(), 1e-12)
}

func TestPricingFor(t *testing.T) {
	p := DefaultPricing()
	assert.Equal(t, Cost(1000), p.For(OpStore))
	assert.Equal(t, Cost(1000), p.For(OpGet))
	assert.Equal(t, Cost(5000), p.For(OpSearch))
	assert.Equal(t, Cost(0), p.For(OpDelete), "delete is always free")
	assert.NoError(t, p.Validate())

	p.Search = -1
	assert.Error(t, p.Validate())
}

func TestBillable(t *testing.T) {
	for _, op := range []OpKind{OpStore, OpGet, OpSearch} {
		assert.True(t, op.Billable(), op)
	}
	assert.False(t, OpDelete.Billable())
}
