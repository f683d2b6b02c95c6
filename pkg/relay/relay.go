// Package relay implements the in-memory fan-out engine that redistributes
// inbound realtime envelopes to callback subscribers and backpressured
// streams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/fasttravel/realtime-go/pkg/events"
)

// Callback is the handler invoked for every envelope published while the
// subscription is registered.
type Callback func(ctx context.Context, env *events.Envelope) error

// UnsubscribeFunc removes a callback subscription. Calling it more than once
// is a no-op.
type UnsubscribeFunc func()

// Config tunes the engine's buffering and fan-out concurrency.
type Config struct {
	// WriteHighWater bounds unconsumed messages buffered engine-side per
	// stream before publishes to that stream block.
	WriteHighWater int
	// ReadHighWater bounds drained-but-unprocessed messages a slow stream
	// consumer may accumulate before its pump blocks.
	ReadHighWater int
	// FanoutWorkers caps concurrent callback invocations per publish.
	// Stream writes are not subject to the cap; each write settles on its
	// own goroutine so a backpressured stream never occupies a worker.
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.WriteHighWater <= 0 {
		c.WriteHighWater = 4
	}
	if c.ReadHighWater <= 0 {
		c.ReadHighWater = 16
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// subscription pairs a callback with its FIFO delivery ticket. tail is
// guarded by the relay mutex.
type subscription struct {
	cb   Callback
	tail chan struct{}
}

// Relay is a single-process fan-out engine. One instance serves one logical
// message topic.
//
// Publishes are serialized at the snapshot: publish N+1 does not snapshot the
// consumer sets before publish N has. Per-consumer FIFO tickets then preserve
// publish order for every individual consumer even while settlements overlap,
// so one backpressured stream never delays delivery to the rest.
type Relay struct {
	cfg     Config
	metrics *relayMetrics
	dropLog rate.Sometimes

	mu        sync.Mutex
	subs      map[uint64]*subscription
	streams   map[string]*Stream
	nextToken uint64
}

// New constructs a fan-out engine with the provided configuration.
func New(cfg Config) *Relay {
	r := new(Relay)
	r.cfg = cfg.normalize()
	r.metrics = newRelayMetrics()
	r.dropLog = rate.Sometimes{Interval: time.Second}
	r.subs = make(map[uint64]*subscription)
	r.streams = make(map[string]*Stream)
	return r
}

// Subscribe registers a callback for every future publish and returns its
// idempotent unsubscribe function. A publish that snapshotted the subscriber
// set before the unsubscribe still delivers to the callback.
func (r *Relay) Subscribe(cb Callback) UnsubscribeFunc {
	if cb == nil {
		return func() {}
	}
	ready := make(chan struct{})
	close(ready)
	r.mu.Lock()
	token := r.nextToken
	r.nextToken++
	r.subs[token] = &subscription{cb: cb, tail: ready}
	r.mu.Unlock()
	r.metrics.adjustSubscribers(context.Background(), 1, "callback")

	return func() {
		r.mu.Lock()
		_, registered := r.subs[token]
		delete(r.subs, token)
		r.mu.Unlock()
		if registered {
			r.metrics.adjustSubscribers(context.Background(), -1, "callback")
		}
	}
}

// OpenStream allocates a bounded stream, registers its writer with the
// engine, and returns the consumer-facing handle. Closing the handle
// deregisters the writer.
func (r *Relay) OpenStream() *Stream {
	var s *Stream
	s = newStream(r.cfg.WriteHighWater, r.cfg.ReadHighWater, func() {
		r.mu.Lock()
		_, registered := r.streams[s.id]
		delete(r.streams, s.id)
		r.mu.Unlock()
		if registered {
			r.metrics.adjustSubscribers(context.Background(), -1, "stream")
		}
	})
	r.mu.Lock()
	r.streams[s.id] = s
	r.mu.Unlock()
	r.metrics.adjustSubscribers(context.Background(), 1, "stream")
	return s
}

// Clear drops every callback subscription. Streams are unaffected; they are
// closed individually through their own handles.
func (r *Relay) Clear() {
	r.mu.Lock()
	n := len(r.subs)
	r.subs = make(map[uint64]*subscription)
	r.mu.Unlock()
	if n > 0 {
		r.metrics.adjustSubscribers(context.Background(), int64(-n), "callback")
	}
}

// Close drops all callback subscriptions and closes every open stream.
func (r *Relay) Close() {
	r.Clear()
	r.mu.Lock()
	open := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}

// Publish delivers the envelope's message to a snapshot of the current
// callback set and stream set, then blocks until every delivery attempt has
// individually settled. Individual failures are recorded in the returned
// settlement, never propagated between consumers.
func (r *Relay) Publish(ctx context.Context, env *events.Envelope) *Settlement {
	return r.begin(ctx, env).settle(ctx)
}

// PublishAsync snapshots the consumer sets synchronously, then settles the
// deliveries in the background. The returned channel yields the settlement
// exactly once. This is the form the dispatcher uses so that a backpressured
// stream cannot stall the inbound receive loop.
func (r *Relay) PublishAsync(ctx context.Context, env *events.Envelope) <-chan *Settlement {
	d := r.begin(ctx, env)
	out := make(chan *Settlement, 1)
	go func() {
		out <- d.settle(ctx)
		close(out)
	}()
	return out
}

// callbackWrite carries one callback delivery with its FIFO ticket.
type callbackWrite struct {
	id   string
	cb   Callback
	prev chan struct{}
	turn chan struct{}
}

// streamWrite carries one stream enqueue with its FIFO ticket.
type streamWrite struct {
	stream *Stream
	prev   chan struct{}
	turn   chan struct{}
}

// delivery is one publish in flight: the envelope plus the consumer snapshot
// taken under the relay mutex.
type delivery struct {
	relay     *Relay
	env       *events.Envelope
	callbacks []callbackWrite
	writes    []streamWrite
}

// begin takes the serialized snapshot: consumer sets are copied and FIFO
// tickets reserved under the relay mutex, so concurrent publishes agree on a
// per-consumer order.
func (r *Relay) begin(ctx context.Context, env *events.Envelope) *delivery {
	d := &delivery{relay: r, env: env}
	if env == nil {
		return d
	}
	r.mu.Lock()
	d.callbacks = make([]callbackWrite, 0, len(r.subs))
	for token, sub := range r.subs {
		turn := make(chan struct{})
		d.callbacks = append(d.callbacks, callbackWrite{
			id:   fmt.Sprintf("callback-%d", token),
			cb:   sub.cb,
			prev: sub.tail,
			turn: turn,
		})
		sub.tail = turn
	}
	d.writes = make([]streamWrite, 0, len(r.streams))
	for _, s := range r.streams {
		turn := make(chan struct{})
		d.writes = append(d.writes, streamWrite{stream: s, prev: s.tail, turn: turn})
		s.tail = turn
	}
	r.mu.Unlock()
	r.metrics.observeSnapshot(ctx, len(d.callbacks), len(d.writes))
	return d
}

// settle runs every delivery attempt to completion and aggregates the
// outcomes. Panics and errors from one consumer are contained to that
// consumer's settlement entry.
func (d *delivery) settle(ctx context.Context) *Settlement {
	if ctx == nil {
		ctx = context.Background()
	}
	attempted := len(d.callbacks) + len(d.writes)
	rec := new(settlementRecorder)
	if d.env == nil || attempted == 0 {
		return rec.result(attempted)
	}
	rec.envelopeID(d.env.ID)

	start := time.Now()
	var cbs *pool.Pool
	if len(d.callbacks) > 0 {
		workerLimit := d.relay.cfg.FanoutWorkers
		if workerLimit > len(d.callbacks) {
			workerLimit = len(d.callbacks)
		}
		cbs = pool.New().WithMaxGoroutines(workerLimit)
	}
	// Stream writes get one goroutine each, outside the capped pool: a
	// backpressured enqueue blocks until its consumer drains or the stream
	// closes, and must not hold a worker slot another consumer needs.
	writes := pool.New()

	for _, cw := range d.callbacks {
		cw := cw
		cbs.Go(func() {
			defer close(cw.turn)
			defer func() {
				if r := recover(); r != nil {
					rec.failure(cw.id, fmt.Errorf("%s panic: %v", cw.id, r))
				}
			}()
			select {
			case <-cw.prev:
			case <-ctx.Done():
				rec.failure(cw.id, fmt.Errorf("%s: %w", cw.id, ctx.Err()))
				return
			}
			if err := cw.cb(ctx, d.env); err != nil {
				rec.failure(cw.id, fmt.Errorf("%s: %w", cw.id, err))
				return
			}
			rec.success()
		})
	}

	for _, w := range d.writes {
		w := w
		writes.Go(func() {
			defer close(w.turn)
			select {
			case <-w.prev:
			case <-ctx.Done():
				rec.failure(w.stream.id, fmt.Errorf("stream %s: %w", w.stream.id, ctx.Err()))
				return
			}
			err := w.stream.enqueue(ctx, d.env.Message)
			switch {
			case err == nil:
				rec.success()
			case errors.Is(err, errStreamDropped):
				rec.dropped()
				d.relay.dropLog.Do(func() {
					log.Printf("relay: write dropped on closed stream id=%s envelope_id=%s", w.stream.id, d.env.ID)
				})
			default:
				rec.failure(w.stream.id, fmt.Errorf("stream %s: %w", w.stream.id, err))
			}
		})
	}

	if cbs != nil {
		cbs.Wait()
	}
	writes.Wait()
	out := rec.result(attempted)
	d.relay.metrics.observeSettlement(ctx, out, time.Since(start))
	return out
}
