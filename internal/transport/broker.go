package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fasttravel/realtime-go/errs"
)

// SendFunc writes one encoded frame to the socket.
type SendFunc func(ctx context.Context, data []byte) error

// DeliverFunc receives one-way payloads from the server, keyed by service.
type DeliverFunc func(ctx context.Context, service Service, payload []byte)

// RequestHandler answers a server-initiated request. A nil response with a
// nil error means the request is acknowledged without a reply payload.
type RequestHandler func(ctx context.Context, service Service, payload []byte) ([]byte, error)

// Broker multiplexes the request-response protocol over the socket stream
// and hands one-way tells to the delivery callback. It owns the pending
// request table: each outbound request reserves a correlation ID whose
// response completes exactly one waiting caller.
type Broker struct {
	send      SendFunc
	onTell    DeliverFunc
	onRequest RequestHandler

	idGen atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan []byte
}

// NewBroker wires a broker to the socket send function and inbound handlers.
func NewBroker(send SendFunc, onTell DeliverFunc, onRequest RequestHandler) *Broker {
	b := new(Broker)
	b.send = send
	b.onTell = onTell
	b.onRequest = onRequest
	b.pending = make(map[uint32]chan []byte)
	return b
}

// Tell sends a one-way payload to the server.
func (b *Broker) Tell(ctx context.Context, service Service, payload []byte) error {
	data, err := EncodeFrame(Frame{Kind: FrameTell, Service: service, Payload: payload})
	if err != nil {
		return err
	}
	return b.send(ctx, data)
}

// Request sends a payload and blocks until the correlated response arrives
// or the context expires. The pending entry is registered before the frame
// is written so a fast response cannot race the registration.
func (b *Broker) Request(ctx context.Context, service Service, payload []byte) ([]byte, error) {
	id := b.idGen.Add(1)
	data, err := EncodeFrame(Frame{Kind: FrameRequest, Service: service, ID: id, Payload: payload})
	if err != nil {
		return nil, err
	}

	resp := make(chan []byte, 1)
	b.mu.Lock()
	b.pending[id] = resp
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.send(ctx, data); err != nil {
		return nil, fmt.Errorf("send request %d: %w", id, err)
	}

	select {
	case payload := <-resp:
		return payload, nil
	case <-ctx.Done():
		return nil, errs.New("transport/request", errs.CodeTimeout, errs.WithCause(ctx.Err()))
	}
}

// RecvFrame routes one inbound frame: tells go to the delivery callback,
// requests are answered through the request handler, and responses complete
// their pending request. Tells are delivered inline to preserve socket
// order; the delivery callback must not block the read loop. Request
// handlers may do real work, so they run on their own goroutine.
func (b *Broker) RecvFrame(ctx context.Context, data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	switch frame.Kind {
	case FrameTell:
		if b.onTell == nil {
			return nil
		}
		b.onTell(ctx, frame.Service, frame.Payload)
	case FrameRequest:
		go b.answer(ctx, frame)
	case FrameResponse:
		b.complete(frame)
	}
	return nil
}

func (b *Broker) answer(ctx context.Context, frame Frame) {
	if b.onRequest == nil {
		log.Printf("transport: unanswerable request id=%d service=%s", frame.ID, frame.Service)
		return
	}
	payload, err := b.onRequest(ctx, frame.Service, frame.Payload)
	if err != nil {
		log.Printf("transport: request handler failed id=%d service=%s err=%v", frame.ID, frame.Service, err)
		return
	}
	if payload == nil {
		return
	}
	data, err := EncodeFrame(Frame{Kind: FrameResponse, Service: frame.Service, ID: frame.ID, Payload: payload})
	if err != nil {
		log.Printf("transport: encode response failed id=%d err=%v", frame.ID, err)
		return
	}
	if err := b.send(ctx, data); err != nil {
		log.Printf("transport: send response failed id=%d err=%v", frame.ID, err)
	}
}

func (b *Broker) complete(frame Frame) {
	b.mu.Lock()
	resp, ok := b.pending[frame.ID]
	delete(b.pending, frame.ID)
	b.mu.Unlock()
	if !ok {
		log.Printf("transport: response for unknown request id=%d", frame.ID)
		return
	}
	resp <- frame.Payload
}
