package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPlaced = "OrderPlaced"

	EventVersion = 1
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type OrderPlacedPayload struct {
	OrderID string      `json:"order_id"`
	Items   []ItemPrice `json:"items"`
	Total   string      `json:"total"`
}

// ProductIDs lists the distinct products touched by the order.
func (p OrderPlacedPayload) ProductIDs() []string {
	in := make([]ItemInput, 0, len(p.Items))
	for _, it := range p.Items {
		in = append(in, ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return DistinctProductIDs(in)
}

// NewOrderPlaced builds the envelope announcing a committed order.
func NewOrderPlaced(producer, traceID string, r Receipt) (Envelope, error) {
	p := OrderPlacedPayload{OrderID: r.OrderID, Total: r.Total.StringFixed(2), Items: make([]ItemPrice, 0, len(r.Items))}
	for _, it := range r.Items {
		p.Items = append(p.Items, ItemPrice{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price.StringFixed(2)})
	}
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventOrderPlaced,
		EventVersion:  EventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: r.OrderID,
		Payload:       b,
	}, nil
}
