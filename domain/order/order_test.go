package order

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evlog-go/core/es"
)

func env(v es.Version, eventType string, p es.Payload) es.Envelope {
	return es.Envelope{
		ID:            eventType,
		AggregateType: AggregateType,
		AggregateID:   "o-1",
		Type:          eventType,
		Version:       v,
		Payload:       p,
	}
}

func history() []es.Envelope {
	return []es.Envelope{
		env(1, EventCreated, es.Payload{"customer_id": "alice", "status": "created"}),
		env(2, EventItemAdded, es.Payload{"item_id": "apple", "quantity": 2.0, "price": 1.5}),
		env(3, EventItemAdded, es.Payload{"item_id": "bread", "quantity": 1.0, "price": 2.0}),
		env(4, EventItemRemoved, es.Payload{"item_id": "bread"}),
	}
}

func TestTransitions_Fold(t *testing.T) {
	tr := Transitions()
	require.ElementsMatch(t, EventTypes, tr.Types())

	agg, err := es.FoldAsOf(AggregateType, "o-1", New("o-1"), tr, history(), 3)
	require.NoError(t, err)
	require.Equal(t, es.Version(3), agg.Version)
	require.Equal(t, 5.0, agg.State.Total())
	require.Equal(t, 2, agg.State.ItemCount())
	require.Equal(t, 3, agg.State.Quantity())
	require.Equal(t, StatusCreated, agg.State.Status)
	require.Equal(t, "alice", agg.State.CustomerID)
	require.Equal(t, []string{"apple", "bread"}, agg.State.ItemIDs())

	agg, err = es.Fold(AggregateType, "o-1", New("o-1"), tr, history())
	require.NoError(t, err)
	require.Equal(t, 3.0, agg.State.Total())
	require.Equal(t, 1, agg.State.ItemCount())
	require.True(t, agg.State.HasItem("apple"))
	require.False(t, agg.State.HasItem("bread"))

	it, ok := agg.State.Item("apple")
	require.True(t, ok)
	require.Equal(t, Item{ItemID: "apple", Quantity: 2, Price: 1.5}, it)
}

func TestTransitions_CopyOnWrite(t *testing.T) {
	tr := Transitions()
	h := history()

	before, err := es.FoldAsOf(AggregateType, "o-1", New("o-1"), tr, h, 3)
	require.NoError(t, err)

	after, err := tr.Apply(before.State, h[3])
	require.NoError(t, err)
	require.Equal(t, 1, after.ItemCount())
	require.Equal(t, 2, before.State.ItemCount(), "applying must not mutate the previous state")
}

func TestTransitions_Terminal(t *testing.T) {
	tr := Transitions()
	h := append(history(), env(5, EventPaid, es.Payload{"payment_method": "credit_card", "status": "paid"}))

	agg, err := es.Fold(AggregateType, "o-1", New("o-1"), tr, h)
	require.NoError(t, err)
	require.True(t, agg.State.IsPaid())
	require.True(t, agg.State.Status.Terminal())
	require.Equal(t, "credit_card", agg.State.PaymentMethod)

	cancelled, err := tr.Apply(New("o-2"), env(1, EventCancelled, es.Payload{"reason": "changed mind"}))
	require.NoError(t, err)
	require.True(t, cancelled.IsCancelled())
	require.Equal(t, "changed mind", cancelled.CancelReason)
}

func TestTransitions_Malformed(t *testing.T) {
	tr := Transitions()

	tests := []struct {
		name string
		env  es.Envelope
	}{
		{"missing customer", env(1, EventCreated, es.Payload{})},
		{"missing item id", env(2, EventItemAdded, es.Payload{"quantity": 1.0, "price": 1.0})},
		{"fractional quantity", env(2, EventItemAdded, es.Payload{"item_id": "x", "quantity": 1.5, "price": 1.0})},
		{"negative price", env(2, EventItemAdded, es.Payload{"item_id": "x", "quantity": 1.0, "price": -1.0})},
		{"quantity as string", env(2, EventItemAdded, es.Payload{"item_id": "x", "quantity": "1", "price": 1.0})},
		{"missing payment method", env(3, EventPaid, es.Payload{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Apply(New("o-1"), tt.env)
			require.ErrorIs(t, err, es.ErrMalformedEnvelope)
		})
	}

	_, err := tr.Apply(New("o-1"), env(1, "OrderShipped", nil))
	require.ErrorIs(t, err, es.ErrUnknownEventType)
}

func TestPayload(t *testing.T) {
	p, err := Payload(EventItemAdded, ItemAdded{ItemID: "apple", Quantity: 2, Price: 1.5})
	require.NoError(t, err)
	require.Equal(t, es.Payload{"item_id": "apple", "quantity": 2.0, "price": 1.5}, p)

	_, err = Payload(EventItemAdded, ItemAdded{ItemID: "apple", Quantity: 0, Price: 1.5})
	require.ErrorIs(t, err, es.ErrMalformedEnvelope)

	_, err = Payload("OrderShipped", struct{}{})
	require.ErrorIs(t, err, es.ErrUnknownEventType)
}

func TestOrder_String(t *testing.T) {
	agg, err := es.FoldAsOf(AggregateType, "o-1", New("o-1"), Transitions(), history(), 3)
	require.NoError(t, err)
	require.Equal(t, "Order(id=o-1, customer=alice, items=2, total=$5.00, status=created)", agg.State.String())
	require.True(t, agg.State.IsCreated())
	require.False(t, New("o-9").IsCreated())
}
