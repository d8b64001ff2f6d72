// Package event carries outbound notifications (order fills, cancellations,
// position exits) from the engine to whoever is listening.
package event

import "time"

// Event types.
const (
	OrderPlaced    = "order.placed"
	OrderExecuted  = "order.executed"
	OrderRejected  = "order.rejected"
	OrderCancelled = "order.cancelled"
	OrderExpired   = "order.expired"
	PositionClosed = "position.closed"
	SquareOff      = "position.square_off"
	Converted      = "position.converted"
)

// Event is one notification. Data is a plain record snapshot.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	Data   any       `json:"data"`
	At     time.Time `json:"at"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// New stamps an event with the current time.
func New(typ, userID string, data any) Event {
	return Event{Type: typ, UserID: userID, Data: data, At: time.Now()}
}
