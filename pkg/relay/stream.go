package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fasttravel/realtime-go/pkg/events"
)

// ErrStreamClosed is returned by Recv once a stream has been closed. It is
// the terminal "done" signal, not a failure.
var ErrStreamClosed = errors.New("relay: stream closed")

// errStreamDropped reports an enqueue attempted against a closed stream.
// Treated as a non-fatal no-op by the publisher.
var errStreamDropped = errors.New("relay: write dropped, stream closed")

// Stream is a pull-based, backpressured consumer of published messages.
//
// Each stream owns a two-tier bounded queue: the write side bounds how many
// unconsumed messages the engine may buffer before publishes to this stream
// block, and the larger read side bounds how many drained-but-unprocessed
// messages a slow consumer may accumulate. A pump goroutine moves messages
// between the tiers so a slow consumer never starves other streams.
type Stream struct {
	id      string
	writeCh chan events.Message
	readCh  chan events.Message
	done    chan struct{}

	closeOnce sync.Once
	draining  atomic.Bool

	// tail is the FIFO ticket of the most recent publish targeting this
	// stream. Guarded by the owning relay's mutex.
	tail chan struct{}

	// detach removes the stream from the relay's active set on close.
	detach func()
}

func newStream(writeHighWater, readHighWater int, detach func()) *Stream {
	ready := make(chan struct{})
	close(ready)
	s := &Stream{
		id:      uuid.NewString(),
		writeCh: make(chan events.Message, writeHighWater),
		readCh:  make(chan events.Message, readHighWater),
		done:    make(chan struct{}),
		tail:    ready,
		detach:  detach,
	}
	go s.pump()
	return s
}

// ID reports the stream's unique identifier.
func (s *Stream) ID() string { return s.id }

// pump moves messages from the write tier to the read tier until the stream
// closes. A message held in hand when the stream closes is discarded along
// with the rest of the queue.
func (s *Stream) pump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.writeCh:
			select {
			case <-s.done:
				return
			case s.readCh <- msg:
			}
		}
	}
}

// enqueue pushes one message into the write tier, blocking while the tier is
// at its high-water mark. An enqueue against a closed stream is dropped.
func (s *Stream) enqueue(ctx context.Context, msg events.Message) error {
	select {
	case <-s.done:
		return errStreamDropped
	default:
	}
	select {
	case s.writeCh <- msg:
		return nil
	case <-s.done:
		return errStreamDropped
	case <-ctx.Done():
		return fmt.Errorf("stream enqueue: %w", ctx.Err())
	}
}

// Recv dequeues one message, blocking until a message arrives or the stream
// closes. After close, queued messages are discarded and Recv reports
// ErrStreamClosed.
func (s *Stream) Recv(ctx context.Context) (events.Message, error) {
	select {
	case <-s.done:
		return events.Message{}, ErrStreamClosed
	default:
	}
	select {
	case msg := <-s.readCh:
		return msg, nil
	case <-s.done:
		return events.Message{}, ErrStreamClosed
	case <-ctx.Done():
		return events.Message{}, fmt.Errorf("stream recv: %w", ctx.Err())
	}
}

// ForEach drains the stream, invoking fn once per message in receive order,
// until the stream closes or fn returns an error. Reads are strictly
// sequential. A ForEach invoked while another drain is active on the same
// stream returns immediately without reading.
func (s *Stream) ForEach(ctx context.Context, fn func(events.Message) error) error {
	if fn == nil {
		return nil
	}
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer s.draining.Store(false)
	for {
		msg, err := s.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Close transitions the stream to closed: future enqueues are dropped,
// pending readers and writers are woken, queued messages are discarded, and
// the stream is removed from the engine's active set. Close is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
	})
}
