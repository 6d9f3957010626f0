package bus

import "time"

// Event is a message routed by topic.
type Event struct {
	Topic     string
	Kind      string
	Timestamp time.Time
	Payload   any
}
