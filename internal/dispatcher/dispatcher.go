// Package dispatcher adapts the transport's raw delivery callback to the
// fan-out engine. It forwards each inbound envelope to exactly one engine
// instance and never transforms payloads; typed interpretation belongs to the
// consuming service layer.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fasttravel/realtime-go/pkg/events"
	"github.com/fasttravel/realtime-go/pkg/relay"
)

// Dispatcher routes inbound envelopes to fan-out engines. With no routes
// registered every envelope goes to the default engine; routes added with
// Route override the default for their message type.
type Dispatcher struct {
	def    *relay.Relay
	errLog rate.Sometimes

	mu     sync.RWMutex
	routes map[events.MessageType]*relay.Relay
}

// New constructs a dispatcher forwarding to the given default engine.
func New(def *relay.Relay) *Dispatcher {
	d := new(Dispatcher)
	d.def = def
	d.errLog = rate.Sometimes{Interval: time.Second}
	d.routes = make(map[events.MessageType]*relay.Relay)
	return d
}

// Route directs envelopes of the given message type to a dedicated engine,
// one engine per logical topic.
func (d *Dispatcher) Route(typ events.MessageType, engine *relay.Relay) {
	if typ == "" || engine == nil {
		return
	}
	d.mu.Lock()
	d.routes[typ] = engine
	d.mu.Unlock()
}

// Recv forwards one envelope to its engine. The publish snapshot is taken
// before Recv returns, so envelopes received in order are observed in order
// by every consumer; settlement completes in the background so a
// backpressured stream cannot stall the transport's receive loop. Delivery
// failures are contained to their consumer and logged, never surfaced to the
// transport.
func (d *Dispatcher) Recv(ctx context.Context, env *events.Envelope) {
	if env == nil {
		return
	}
	engine := d.engineFor(env.Message.Type)
	if engine == nil {
		d.errLog.Do(func() {
			log.Printf("dispatcher: no engine for message type=%s envelope_id=%s", env.Message.Type, env.ID)
		})
		return
	}
	settled := engine.PublishAsync(ctx, env)
	go func() {
		s := <-settled
		if err := s.Err(); err != nil {
			d.errLog.Do(func() {
				log.Printf("dispatcher: delivery failures envelope_id=%s err=%v", env.ID, err)
			})
		}
	}()
}

func (d *Dispatcher) engineFor(typ events.MessageType) *relay.Relay {
	d.mu.RLock()
	engine, ok := d.routes[typ]
	d.mu.RUnlock()
	if ok {
		return engine
	}
	return d.def
}
