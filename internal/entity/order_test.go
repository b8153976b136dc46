package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServingStatus_Toggled(t *testing.T) {
	testCases := map[string]struct {
		from     ServingStatus
		expected ServingStatus
	}{
		"should serve a pending selection":    {from: ServingPending, expected: ServingServed},
		"should un-serve a served selection":  {from: ServingServed, expected: ServingNotServed},
		"should serve a not-served selection": {from: ServingNotServed, expected: ServingServed},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.from.Toggled())
		})
	}
}

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, OrderActive.CanTransitionTo(OrderCompleted))
	assert.True(t, OrderActive.CanTransitionTo(OrderCancelled))
	assert.False(t, OrderActive.CanTransitionTo(OrderActive))
	assert.False(t, OrderCompleted.CanTransitionTo(OrderCancelled))
	assert.False(t, OrderCancelled.CanTransitionTo(OrderActive))
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := &Order{
		ID:         "o1",
		GuestNames: map[string]string{"g1": "Ana"},
		Selections: map[string][]Selection{"g1": {{WineReference: "w1", Status: ServingPending}}},
	}

	c := o.Clone()
	c.GuestNames["g1"] = "Bruno"
	c.Selections["g1"][0].Status = ServingServed

	assert.Equal(t, "Ana", o.GuestNames["g1"])
	assert.Equal(t, ServingPending, o.Selections["g1"][0].Status)
}

func TestOrder_Selection(t *testing.T) {
	o := &Order{
		GuestNames: map[string]string{"g1": "Ana", "g2": ""},
		Selections: map[string][]Selection{"g1": {{WineReference: "w1"}, {WineReference: "w2"}}},
	}

	sel, ok := o.Selection("g1", 1)
	require.True(t, ok)
	assert.Equal(t, "w2", sel.WineReference)

	_, ok = o.Selection("g1", 2)
	assert.False(t, ok)
	_, ok = o.Selection("g1", -1)
	assert.False(t, ok)
	_, ok = o.Selection("g2", 0)
	assert.False(t, ok)
	_, ok = o.Selection("ghost", 0)
	assert.False(t, ok)

	assert.Equal(t, []string{"g1", "g2"}, o.GuestKeys())
}

func TestMutation_Targets(t *testing.T) {
	m := &Mutation{OrderID: "o1", GuestKey: "a", SelectionIndex: 0, Mode: MutationToggle}

	testCases := map[string]struct {
		orderID  string
		guest    string
		index    int
		mode     MutationMode
		expected bool
	}{
		"should match the same selection and mode": {orderID: "o1", guest: "a", index: 0, mode: MutationToggle, expected: true},
		"should reject another order":              {orderID: "o2", guest: "a", index: 0, mode: MutationToggle},
		"should reject another guest":              {orderID: "o1", guest: "b", index: 0, mode: MutationToggle},
		"should reject another index":              {orderID: "o1", guest: "a", index: 1, mode: MutationToggle},
		"should reject another mode":               {orderID: "o1", guest: "a", index: 0, mode: MutationSet},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, m.Targets(tc.orderID, tc.guest, tc.index, tc.mode))
		})
	}
}
