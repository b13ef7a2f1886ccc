package order

import "github.com/codewandler/evlog-go/core/es"

// AggregateType is the aggregate type of every order envelope.
const AggregateType = "Order"

const (
	EventCreated     = "OrderCreated"
	EventItemAdded   = "ItemAdded"
	EventItemRemoved = "ItemRemoved"
	EventPaid        = "OrderPaid"
	EventCancelled   = "OrderCancelled"
)

// EventTypes lists every order event type.
var EventTypes = []string{EventCreated, EventItemAdded, EventItemRemoved, EventPaid, EventCancelled}

type (
	Created struct {
		CustomerID string `json:"customer_id"`
		Status     Status `json:"status,omitempty"`
	}

	ItemAdded struct {
		ItemID   string  `json:"item_id"`
		Quantity int     `json:"quantity"`
		Price    float64 `json:"price"`
	}

	ItemRemoved struct {
		ItemID string `json:"item_id"`
	}

	Paid struct {
		PaymentMethod string `json:"payment_method"`
		Status        Status `json:"status,omitempty"`
	}

	Cancelled struct {
		Reason string `json:"reason"`
		Status Status `json:"status,omitempty"`
	}
)

// Payload encodes e and validates it against the schema of eventType.
func Payload(eventType string, e any) (es.Payload, error) {
	p, err := es.EncodePayload(e)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(eventType, p); err != nil {
		return nil, err
	}
	return p, nil
}
