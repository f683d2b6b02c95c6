package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fasttravel/realtime-go/pkg/events"
	"github.com/fasttravel/realtime-go/pkg/relay"
)

func TestRecvForwardsToDefaultEngine(t *testing.T) {
	engine := relay.New(relay.Config{})
	defer engine.Close()
	d := New(engine)

	var mu sync.Mutex
	var got []string
	delivered := make(chan struct{}, 1)
	engine.Subscribe(func(_ context.Context, env *events.Envelope) error {
		mu.Lock()
		got = append(got, env.Message.Payload.(string))
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	})

	d.Recv(context.Background(), events.NewCoreEvent("ping"))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("envelope was not forwarded to the default engine")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "ping" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestRecvPreservesOrderAcrossEnvelopes(t *testing.T) {
	engine := relay.New(relay.Config{})
	defer engine.Close()
	d := New(engine)

	const n = 25
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	engine.Subscribe(func(_ context.Context, env *events.Envelope) error {
		mu.Lock()
		got = append(got, env.Message.Payload.(string))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < n; i++ {
		d.Recv(context.Background(), events.NewCoreEvent(fmt.Sprintf("msg-%d", i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all envelopes were delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, payload := range got {
		if payload != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("delivery %d out of order: %s", i, payload)
		}
	}
}

func TestRouteOverridesDefaultForMessageType(t *testing.T) {
	def := relay.New(relay.Config{})
	defer def.Close()
	connection := relay.New(relay.Config{})
	defer connection.Close()

	d := New(def)
	d.Route(events.TypeConnectionEvent, connection)

	defCalls := 0
	def.Subscribe(func(context.Context, *events.Envelope) error {
		defCalls++
		return nil
	})
	routed := make(chan events.MessageType, 1)
	connection.Subscribe(func(_ context.Context, env *events.Envelope) error {
		routed <- env.Message.Type
		return nil
	})

	d.Recv(context.Background(), events.NewConnectionEvent("open"))

	select {
	case typ := <-routed:
		if typ != events.TypeConnectionEvent {
			t.Fatalf("unexpected routed type %s", typ)
		}
	case <-time.After(time.Second):
		t.Fatal("routed engine did not receive the envelope")
	}
	if defCalls != 0 {
		t.Fatalf("default engine must not receive routed envelopes, got %d", defCalls)
	}
}

func TestRecvNilEnvelopeIsIgnored(t *testing.T) {
	engine := relay.New(relay.Config{})
	defer engine.Close()
	d := New(engine)

	calls := 0
	engine.Subscribe(func(context.Context, *events.Envelope) error {
		calls++
		return nil
	})

	d.Recv(context.Background(), nil)
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected nil envelope to be ignored, got %d calls", calls)
	}
}

func TestRecvWithNoEngineDoesNotPanic(t *testing.T) {
	d := New(nil)
	d.Recv(context.Background(), events.NewCoreEvent("orphan"))
}
