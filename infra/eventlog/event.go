package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/preidman/dex/domain/order"
)

// Offset is the monotonically increasing position of an event in the log.
// Offset 0 means "nothing", the first appended event has offset 1.
type Offset = uint64

type EventType uint8

const (
	EventOrderAdded EventType = iota + 1
	EventOrderCanceled
	EventOrderExecuted
	EventOrderBookDeleted
)

func (t EventType) String() string {
	switch t {
	case EventOrderAdded:
		return "OrderAdded"
	case EventOrderCanceled:
		return "OrderCanceled"
	case EventOrderExecuted:
		return "OrderExecuted"
	case EventOrderBookDeleted:
		return "OrderBookDeleted"
	default:
		return fmt.Sprintf("EventType(%d)", t)
	}
}

// Execution is the payload of an OrderExecuted event. CounterID is the
// resting (maker) order, SubmittedID the incoming (taker) order.
type Execution struct {
	CounterID   string `json:"counterId"`
	SubmittedID string `json:"submittedId"`
	Amount      int64  `json:"amount"`
	Price       int64  `json:"price"`
}

// Event is one immutable entry of the matcher's event log. Exactly one of
// the payload fields is set, according to Type.
type Event struct {
	Type      EventType       `json:"type"`
	Pair      order.AssetPair `json:"pair"`
	Timestamp int64           `json:"timestamp"`

	Order    *order.Order `json:"order,omitempty"`    // OrderAdded
	OrderID  string       `json:"orderId,omitempty"`  // OrderCanceled
	Executed *Execution   `json:"executed,omitempty"` // OrderExecuted
}

// Marshal encodes the event for the log payload.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a log payload. A payload that does not decode is a
// malformed legacy event; consumers log and skip it.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Type < EventOrderAdded || e.Type > EventOrderBookDeleted {
		return nil, fmt.Errorf("unknown event type %d", e.Type)
	}
	return &e, nil
}
