package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/evlog-go/core/es"
)

var (
	ErrAlreadyExists   = errors.New("order already exists")
	ErrNotFound        = errors.New("order not found")
	ErrClosed          = errors.New("order is paid or cancelled")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrItemNotFound    = errors.New("item not in order")
	ErrEmpty           = errors.New("order has no items")
)

// Service owns the order business rules. Each command reconstructs the
// order, validates against the current state and appends exactly one fact at
// the reconstructed version. Conflicts are returned to the caller unchanged.
type Service struct {
	log         *slog.Logger
	coordinator *es.Coordinator
	rec         *es.Reconstructor[Order]
}

func NewService(log es.EventLog, opts ...es.Option) *Service {
	return &Service{
		log:         es.LoggerFromOptions(opts...).With(slog.String("service", "order")),
		coordinator: es.NewCoordinator(log, opts...),
		rec:         NewReconstructor(log, opts...),
	}
}

// Get reconstructs the current state of an order.
func (s *Service) Get(ctx context.Context, id string) (*Aggregate, error) {
	return s.rec.Reconstruct(ctx, id)
}

// GetAsOf reconstructs the order as it was at version v.
func (s *Service) GetAsOf(ctx context.Context, id string, v es.Version) (*Aggregate, error) {
	return s.rec.ReconstructAsOf(ctx, id, v)
}

func (s *Service) Create(ctx context.Context, id, customerID string) (es.Envelope, error) {
	return s.exec(ctx, id, EventCreated, func(o Order) (any, error) {
		if o.Status != StatusNotCreated {
			return nil, ErrAlreadyExists
		}
		return Created{CustomerID: customerID, Status: StatusCreated}, nil
	})
}

func (s *Service) AddItem(ctx context.Context, id, itemID string, quantity int, price float64) (es.Envelope, error) {
	return s.exec(ctx, id, EventItemAdded, func(o Order) (any, error) {
		if err := modifiable(o); err != nil {
			return nil, err
		}
		if quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if price < 0 {
			return nil, ErrInvalidPrice
		}
		return ItemAdded{ItemID: itemID, Quantity: quantity, Price: price}, nil
	})
}

func (s *Service) RemoveItem(ctx context.Context, id, itemID string) (es.Envelope, error) {
	return s.exec(ctx, id, EventItemRemoved, func(o Order) (any, error) {
		if err := modifiable(o); err != nil {
			return nil, err
		}
		if !o.HasItem(itemID) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return ItemRemoved{ItemID: itemID}, nil
	})
}

func (s *Service) Pay(ctx context.Context, id, paymentMethod string) (es.Envelope, error) {
	return s.exec(ctx, id, EventPaid, func(o Order) (any, error) {
		if err := modifiable(o); err != nil {
			return nil, err
		}
		if o.ItemCount() == 0 {
			return nil, ErrEmpty
		}
		return Paid{PaymentMethod: paymentMethod, Status: StatusPaid}, nil
	})
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (es.Envelope, error) {
	return s.exec(ctx, id, EventCancelled, func(o Order) (any, error) {
		if err := modifiable(o); err != nil {
			return nil, err
		}
		return Cancelled{Reason: reason, Status: StatusCancelled}, nil
	})
}

func modifiable(o Order) error {
	switch {
	case o.Status == StatusNotCreated:
		return ErrNotFound
	case o.Status.Terminal():
		return fmt.Errorf("%w: status=%s", ErrClosed, o.Status)
	}
	return nil
}

func (s *Service) exec(
	ctx context.Context,
	id string,
	eventType string,
	decide func(o Order) (any, error),
) (es.Envelope, error) {
	agg, err := s.rec.Reconstruct(ctx, id)
	if err != nil {
		return es.Envelope{}, err
	}
	e, err := decide(agg.State)
	if err != nil {
		return es.Envelope{}, err
	}
	p, err := Payload(eventType, e)
	if err != nil {
		return es.Envelope{}, err
	}
	env, err := s.coordinator.AppendNext(ctx, AggregateType, id, eventType, p, agg.Version)
	if err != nil {
		return es.Envelope{}, err
	}
	s.log.Debug(eventType, slog.String("order_id", id), env.Version.SlogAttr())
	return env, nil
}
