package bus

import "time"

// Event is an immutable record published on the bus. Name is a
// colon-delimited segment string (e.g. "autonomy:cycle:start"); Data is an
// opaque payload observed by value by every subscriber.
type Event struct {
	Name      string    `json:"name"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data, Timestamp: time.Now()}
}
