package progress

import "context"

// Sink receives flushed batches from the Hub. Consume runs on the hub
// goroutine under a per-sink timeout; a slow sink delays later batches but
// never the job runner.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events from the job runner. *Hub implements it.
type Emitter interface {
	Emit(evt Event)
}
