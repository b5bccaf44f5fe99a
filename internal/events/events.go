package events

// Names of the events published on the progress channel
const (
	CollectionProgress = "collection-progress"
	CollectionComplete = "collection-complete"
	CollectionError    = "collection-error"

	BulkSendProgress = "bulk-send-progress"
	BulkSendComplete = "bulk-send-complete"
	BulkSendError    = "bulk-send-error"

	EmailAdded        = "email-added"
	EmailDeleted      = "email-deleted"
	EmailsBulkDeleted = "emails-bulk-deleted"
)

// Emitter publishes a named event to every connected observer.
// Emit never blocks on slow observers and never reports delivery.
type Emitter interface {
	Emit(event string, payload interface{})
}

// Event is one published message
type Event struct {
	Name    string
	Payload interface{}
}

// Discard is an Emitter that drops everything
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(string, interface{}) {}
