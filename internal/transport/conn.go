package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/fasttravel/realtime-go/errs"
)

const (
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
)

// ConnConfig tunes the websocket session.
type ConnConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

func (c ConnConfig) normalize() ConnConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Conn maintains a single websocket session with automatic reconnection and
// keepalive. Inbound binary frames are handed to the frame handler; the
// session is re-dialed with capped exponential backoff after transport
// faults until Close.
type Conn struct {
	cfg    ConnConfig
	ctx    context.Context
	cancel context.CancelFunc

	handler func(ctx context.Context, data []byte) error

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once

	errorChan chan<- error
}

// NewConn constructs a connection manager. handler is invoked for every
// inbound frame; errorChan, when non-nil, receives non-fatal session errors.
func NewConn(ctx context.Context, cfg ConnConfig, handler func(ctx context.Context, data []byte) error, errorChan chan<- error) *Conn {
	connCtx, cancel := context.WithCancel(ctx)
	c := new(Conn)
	c.cfg = cfg.normalize()
	c.ctx = connCtx
	c.cancel = cancel
	c.handler = handler
	c.ready = make(chan struct{})
	c.errorChan = errorChan
	return c
}

// Start establishes the session in a background goroutine and waits for the
// initial connection. The caller's context bounds only the wait; the session
// itself lives until Close.
func (c *Conn) Start(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errs.New("transport/conn", errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	go func() {
		if err := c.connect(); err != nil && !errors.Is(err, context.Canceled) {
			c.reportError(fmt.Errorf("connection loop ended: %w", err))
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("conn start: %w", ctx.Err())
	case <-time.After(c.cfg.HandshakeTimeout):
		return errs.New("transport/conn", errs.CodeNetwork, errs.WithMessage("timeout waiting for websocket connection"))
	case <-c.ctx.Done():
		return fmt.Errorf("conn context done: %w", c.ctx.Err())
	}
}

// Send writes one binary frame to the current session.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		if c.ctx.Err() != nil {
			return errs.New("transport/send", errs.CodeClosed, errs.WithMessage("connection closed"))
		}
		return errs.New("transport/send", errs.CodeUnavailable, errs.WithMessage("socket not connected"))
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageBinary, data); err != nil {
		return errs.New("transport/send", errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

// Close terminates the session and stops reconnection.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
	})
}

// connect keeps one websocket session alive until the context terminates,
// re-dialing with capped exponential backoff between sessions.
func (c *Conn) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		dialCtx, dialCancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
		dialCancel()
		if err != nil {
			c.reportError(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
			if sleepErr := c.sleep(backoffCfg); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		conn.SetReadLimit(c.cfg.ReadLimit)
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()

		sessionCtx, sessionCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- c.readLoop(sessionCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(sessionCtx, conn)
		}()

		firstErr := <-errCh
		sessionCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			c.reportError(fmt.Errorf("session ended: %w", firstErr))
		}

		if sleepErr := c.sleep(backoffCfg); sleepErr != nil {
			return sleepErr
		}
	}
}

func (c *Conn) sleep(backoffCfg *backoff.ExponentialBackOff) error {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = c.cfg.MaxReconnectInterval
	}
	select {
	case <-c.ctx.Done():
		return context.Canceled
	case <-time.After(sleep):
		return nil
	}
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageBinary && msgType != websocket.MessageText {
			continue
		}
		if c.handler == nil {
			continue
		}
		if err := c.handler(ctx, data); err != nil {
			c.reportError(fmt.Errorf("frame handler: %w", err))
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Conn) reportError(err error) {
	if c.errorChan == nil {
		return
	}
	select {
	case c.errorChan <- err:
	default:
	}
}
