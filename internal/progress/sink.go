package progress

import "context"

// Sink receives batches of crawl events from a Hub. Consume is called from one
// goroutine at a time and should honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events; Hub implements it.
type Emitter interface {
	Emit(evt Event)
}
