// Package logstream multiplexes a single container's live log output to any
// number of concurrently connected HTTP readers, with replay for clients
// that join after some output has already been produced.
//
// The fan-out shape (a set of buffered subscriber channels fed by one
// publisher goroutine) is grounded on the teacher's pkg/events.Broker; the
// addition here is a bounded replay buffer, since an SSE client joining a
// running job mid-stream needs to see output emitted before it subscribed.
package logstream

import (
	"sync"
)

// Chunk is one unit of published output. A chunk does not necessarily
// align with a single log line (spec §4.3: "chunks are not guaranteed to
// be whole lines").
type Chunk struct {
	Data string
}

// Subscriber receives Chunks and, eventually, exactly one Complete.
type Subscriber struct {
	ch     chan any // Chunk or Complete
	broker *Broker
}

// C returns the channel to range over. It is closed once the broker has
// delivered Complete to all subscribers and been torn down.
func (s *Subscriber) C() <-chan any { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() {
	s.broker.unsubscribe(s)
}

// Complete is published exactly once, as the final message on a job's
// broker, and carries the job's terminal success value.
type Complete struct {
	Success bool
}

const replayBufferLimit = 4096 // chunks; bounds memory for very chatty jobs

// Broker fans out one job's log output to any number of subscribers and
// buffers everything published so far for late joiners.
type Broker struct {
	mu       sync.Mutex
	replay   []Chunk
	complete *Complete
	subs     map[*Subscriber]bool
	closed   bool
}

// NewBroker creates an empty broker for one job.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers a new reader and immediately replays everything
// published so far (and the terminal event, if already published) onto its
// channel before returning, so the caller can simply range over C().
func (b *Broker) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{ch: make(chan any, len(b.replay)+8), broker: b}
	for _, c := range b.replay {
		sub.ch <- c
	}
	if b.complete != nil {
		sub.ch <- *b.complete
		close(sub.ch)
		return sub
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

func (b *Broker) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish appends a chunk to the replay buffer and broadcasts it to every
// current subscriber. A subscriber whose buffer is full is skipped rather
// than blocking the publisher (the teacher's Broker.broadcast does the
// same): a slow reader must not stall the container's log tail for anyone
// else, and it will still see the chunk in the next client's replay if it
// reconnects.
func (b *Broker) Publish(chunk Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.complete != nil {
		return
	}
	if len(b.replay) >= replayBufferLimit {
		b.replay = b.replay[1:]
	}
	b.replay = append(b.replay, chunk)
	for sub := range b.subs {
		select {
		case sub.ch <- chunk:
		default:
		}
	}
}

// Finish publishes the terminal event to every current and future
// subscriber and tears the broker down: no further Publish calls have any
// effect after this.
func (b *Broker) Finish(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete != nil {
		return
	}
	c := Complete{Success: success}
	b.complete = &c
	for sub := range b.subs {
		sub.ch <- c
		close(sub.ch)
	}
	b.subs = nil
	b.closed = true
}

// Registry looks brokers up by job id. The Controller creates a broker
// when a job starts running and removes it once the terminal event has
// been delivered; the API subscribes through GetOrCreate, so it may also
// create the broker for a running job the Controller has not yet published to.
type Registry struct {
	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]*Broker)}
}

// GetOrCreate returns the broker for jobID, creating it if absent.
func (r *Registry) GetOrCreate(jobID string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.brokers[jobID]
	if !ok {
		b = NewBroker()
		r.brokers[jobID] = b
	}
	return b
}

// Get returns the broker for jobID, or nil if none exists (the job has
// never been observed running in this process, e.g. after a restart).
func (r *Registry) Get(jobID string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokers[jobID]
}

// Remove discards the broker for jobID. Safe to call even if absent.
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, jobID)
}
