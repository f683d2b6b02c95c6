// Package realtime assembles the websocket transport, the message broker,
// and the per-service fan-out engines into the client module consumed by
// applications.
package realtime

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/fasttravel/realtime-go/config"
	"github.com/fasttravel/realtime-go/internal/dispatcher"
	"github.com/fasttravel/realtime-go/internal/transport"
	"github.com/fasttravel/realtime-go/pkg/events"
	"github.com/fasttravel/realtime-go/pkg/relay"
)

// RequestHandler answers server-initiated requests. See transport.Broker.
type RequestHandler func(ctx context.Context, service string, payload []byte) ([]byte, error)

// Module is the client-side realtime entry point. It owns one fan-out engine
// per service topic: core events and connection lifecycle events each get
// their own engine so a slow consumer of one never delays the other.
type Module struct {
	cfg config.Settings

	core       *relay.Relay
	connection *relay.Relay
	dispatch   *dispatcher.Dispatcher

	broker    *transport.Broker
	conn      *transport.Conn
	errorChan chan error

	onRequest RequestHandler
}

// New assembles a module from settings. Connect must be called before any
// traffic flows; consumers may subscribe beforehand.
func New(cfg config.Settings) *Module {
	m := new(Module)
	m.cfg = cfg
	engineCfg := relay.Config{
		WriteHighWater: cfg.Relay.WriteHighWater,
		ReadHighWater:  cfg.Relay.ReadHighWater,
		FanoutWorkers:  cfg.Relay.FanoutWorkers,
	}
	m.core = relay.New(engineCfg)
	m.connection = relay.New(engineCfg)
	m.dispatch = dispatcher.New(m.core)
	m.dispatch.Route(events.TypeConnectionEvent, m.connection)
	m.errorChan = make(chan error, 16)

	m.broker = transport.NewBroker(
		func(ctx context.Context, data []byte) error {
			return m.conn.Send(ctx, data)
		},
		m.inbound,
		func(ctx context.Context, service transport.Service, payload []byte) ([]byte, error) {
			if m.onRequest == nil {
				return nil, nil
			}
			return m.onRequest(ctx, string(service), payload)
		},
	)
	m.conn = transport.NewConn(context.Background(), transport.ConnConfig{
		URL:                  cfg.Transport.URL,
		HandshakeTimeout:     cfg.Transport.HandshakeTimeout,
		PingInterval:         cfg.Transport.PingInterval,
		PingTimeout:          cfg.Transport.PingTimeout,
		WriteTimeout:         cfg.Transport.WriteTimeout,
		MaxReconnectInterval: cfg.Transport.MaxReconnectInterval,
		ReadLimit:            cfg.Transport.ReadLimit,
	}, func(ctx context.Context, data []byte) error {
		return m.broker.RecvFrame(ctx, data)
	}, m.errorChan)

	return m
}

// SetRequestHandler installs the handler for server-initiated requests.
// Must be called before Connect.
func (m *Module) SetRequestHandler(h RequestHandler) { m.onRequest = h }

// Connect establishes the websocket session. The context bounds the wait
// for the initial handshake.
func (m *Module) Connect(ctx context.Context) error {
	return m.conn.Start(ctx)
}

// Close terminates the session and closes both engines, waking every
// subscribed stream with the terminal done signal.
func (m *Module) Close() {
	m.conn.Close()
	m.core.Close()
	m.connection.Close()
}

// Errors exposes non-fatal transport errors for observation.
func (m *Module) Errors() <-chan error { return m.errorChan }

// SendText sends a text message to the server over the core service.
func (m *Module) SendText(ctx context.Context, text string) error {
	payload, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("encode text message: %w", err)
	}
	return m.broker.Tell(ctx, transport.ServiceCore, payload)
}

// Request sends a core-service request and waits for the correlated
// response.
func (m *Module) Request(ctx context.Context, payload []byte) ([]byte, error) {
	return m.broker.Request(ctx, transport.ServiceCore, payload)
}

// SubscribeCore registers a callback for core events.
func (m *Module) SubscribeCore(cb relay.Callback) relay.UnsubscribeFunc {
	return m.core.Subscribe(cb)
}

// OpenCoreStream opens a backpressured stream of core events.
func (m *Module) OpenCoreStream() *relay.Stream {
	return m.core.OpenStream()
}

// SubscribeConnection registers a callback for connection lifecycle events.
func (m *Module) SubscribeConnection(cb relay.Callback) relay.UnsubscribeFunc {
	return m.connection.Subscribe(cb)
}

// OpenConnectionStream opens a backpressured stream of connection events.
func (m *Module) OpenConnectionStream() *relay.Stream {
	return m.connection.OpenStream()
}

// inbound wraps one-way server payloads into envelopes and hands them to the
// dispatcher. Core tells carry a JSON-encoded text message; anything that
// fails to decode is forwarded as raw bytes for the consumer to interpret.
func (m *Module) inbound(ctx context.Context, service transport.Service, payload []byte) {
	var env *events.Envelope
	switch service {
	case transport.ServiceCore:
		var text string
		if err := json.Unmarshal(payload, &text); err == nil {
			env = events.NewCoreEvent(text)
		} else {
			env = events.NewEnvelope(events.Message{Type: events.TypeCoreEvent, Payload: payload})
		}
	case transport.ServiceConnection:
		env = events.NewConnectionEvent(json.RawMessage(payload))
	default:
		return
	}
	m.dispatch.Recv(ctx, env)
}
