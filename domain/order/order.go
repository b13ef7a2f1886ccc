package order

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/codewandler/evlog-go/core/es"
)

type Status string

const (
	StatusNotCreated Status = "not_created"
	StatusCreated    Status = "created"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further facts may be appended.
func (s Status) Terminal() bool { return s == StatusPaid || s == StatusCancelled }

type Item struct {
	ItemID   string  `json:"item_id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

func (i Item) Subtotal() float64 { return float64(i.Quantity) * i.Price }

// Order is the state produced by folding an order's history. Values are
// treated as immutable: transitions return a copy.
type Order struct {
	ID            string          `json:"order_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Items         map[string]Item `json:"items"`
	Status        Status          `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
}

// Aggregate is a reconstructed order with its version.
type Aggregate = es.Aggregate[Order]

func New(id string) Order {
	return Order{ID: id, Items: map[string]Item{}, Status: StatusNotCreated}
}

func (o Order) Total() float64 {
	var total float64
	for _, id := range o.ItemIDs() {
		total += o.Items[id].Subtotal()
	}
	return total
}

// ItemCount is the number of distinct item lines.
func (o Order) ItemCount() int { return len(o.Items) }

// Quantity is the number of units across all lines.
func (o Order) Quantity() int {
	var n int
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

func (o Order) HasItem(itemID string) bool {
	_, ok := o.Items[itemID]
	return ok
}

func (o Order) Item(itemID string) (Item, bool) {
	it, ok := o.Items[itemID]
	return it, ok
}

// ItemIDs returns the line item ids in sorted order.
func (o Order) ItemIDs() []string { return slices.Sorted(maps.Keys(o.Items)) }

func (o Order) IsCreated() bool   { return o.Status == StatusCreated }
func (o Order) IsPaid() bool      { return o.Status == StatusPaid }
func (o Order) IsCancelled() bool { return o.Status == StatusCancelled }

func (o Order) String() string {
	return fmt.Sprintf(
		"Order(id=%s, customer=%s, items=%d, total=$%.2f, status=%s)",
		o.ID, o.CustomerID, o.ItemCount(), o.Total(), o.Status,
	)
}

func (o Order) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", o.ID),
		slog.String("status", string(o.Status)),
		slog.Int("items", o.ItemCount()),
		slog.Float64("total", o.Total()),
	)
}

func (o Order) withItems(fn func(items map[string]Item)) Order {
	items := maps.Clone(o.Items)
	if items == nil {
		items = map[string]Item{}
	}
	fn(items)
	o.Items = items
	return o
}

// === Transitions ===

func applyCreated(o Order, e Created) (Order, error) {
	o.CustomerID = e.CustomerID
	o.Status = StatusCreated
	return o, nil
}

func applyItemAdded(o Order, e ItemAdded) (Order, error) {
	return o.withItems(func(items map[string]Item) {
		items[e.ItemID] = Item{ItemID: e.ItemID, Quantity: e.Quantity, Price: e.Price}
	}), nil
}

func applyItemRemoved(o Order, e ItemRemoved) (Order, error) {
	return o.withItems(func(items map[string]Item) {
		delete(items, e.ItemID)
	}), nil
}

func applyPaid(o Order, e Paid) (Order, error) {
	o.PaymentMethod = e.PaymentMethod
	o.Status = StatusPaid
	return o, nil
}

func applyCancelled(o Order, e Cancelled) (Order, error) {
	o.CancelReason = e.Reason
	o.Status = StatusCancelled
	return o, nil
}

// on validates the payload against its schema before destructuring it.
func on[P any](tr *es.Transitions[Order], eventType string, fn func(Order, P) (Order, error)) {
	tr.On(eventType, func(o Order, p es.Payload) (Order, error) {
		if err := ValidatePayload(eventType, p); err != nil {
			return o, err
		}
		e, err := es.DecodePayload[P](p)
		if err != nil {
			return o, err
		}
		return fn(o, e)
	})
}

// Transitions returns the replay registry for orders.
func Transitions() *es.Transitions[Order] {
	tr := es.NewTransitions[Order]()
	on(tr, EventCreated, applyCreated)
	on(tr, EventItemAdded, applyItemAdded)
	on(tr, EventItemRemoved, applyItemRemoved)
	on(tr, EventPaid, applyPaid)
	on(tr, EventCancelled, applyCancelled)
	return tr
}

func NewReconstructor(log es.EventLog, opts ...es.Option) *es.Reconstructor[Order] {
	return es.NewReconstructor(AggregateType, log, New, Transitions(), opts...)
}
