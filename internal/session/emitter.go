package session

import "github.com/stoneforge-ai/stoneforge/pkg/models"

// eventEmitter fans the spawner's raw stream out to whoever calls
// GetEventEmitter for a session, without letting a slow or absent
// subscriber block the goroutine draining the underlying process.
type eventEmitter struct {
	events chan models.StreamEvent
}

func newEventEmitter(bufferSize int) *eventEmitter {
	return &eventEmitter{events: make(chan models.StreamEvent, bufferSize)}
}

// emit sends an event to subscribers, dropping it if the buffer is full
// rather than blocking the reader goroutine.
func (e *eventEmitter) emit(event models.StreamEvent) {
	select {
	case e.events <- event:
	default:
	}
}

// Events returns the read-only subscriber channel.
func (e *eventEmitter) Events() <-chan models.StreamEvent {
	return e.events
}

func (e *eventEmitter) close() {
	close(e.events)
}
