package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/fasttravel/realtime-go/errs"
)

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestConnReceivesServerFrames(t *testing.T) {
	frame, err := EncodeFrame(Frame{Kind: FrameTell, Service: ServiceCore, Payload: json.RawMessage(`"hello"`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if err := conn.Write(r.Context(), websocket.MessageBinary, frame); err != nil {
			return
		}
		// Hold the session open until the client disconnects.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	got := make(chan []byte, 1)
	c := NewConn(context.Background(), ConnConfig{URL: wsURL(srv)}, func(_ context.Context, data []byte) error {
		select {
		case got <- data:
		default:
		}
		return nil
	}, nil)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case data := <-got:
		decoded, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Kind != FrameTell || string(decoded.Payload) != `"hello"` {
			t.Fatalf("unexpected frame %+v", decoded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound frame never reached the handler")
	}
}

func TestConnSendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		select {
		case received <- data:
		default:
		}
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	c := NewConn(context.Background(), ConnConfig{URL: wsURL(srv)}, nil, nil)
	defer c.Close()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame, err := EncodeFrame(Frame{Kind: FrameTell, Service: ServiceConnection, Payload: json.RawMessage(`"up"`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.Send(context.Background(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		decoded, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Service != ServiceConnection {
			t.Fatalf("unexpected frame %+v", decoded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame never reached the server")
	}
}

func TestStartRequiresURL(t *testing.T) {
	c := NewConn(context.Background(), ConnConfig{}, nil, nil)
	defer c.Close()
	err := c.Start(context.Background())
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestSendWithoutSessionFails(t *testing.T) {
	c := NewConn(context.Background(), ConnConfig{URL: "ws://127.0.0.1:0"}, nil, nil)
	defer c.Close()
	err := c.Send(context.Background(), []byte("data"))
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestSendAfterCloseReportsClosed(t *testing.T) {
	c := NewConn(context.Background(), ConnConfig{URL: "ws://127.0.0.1:0"}, nil, nil)
	c.Close()
	err := c.Send(context.Background(), []byte("data"))
	if errs.CodeOf(err) != errs.CodeClosed {
		t.Fatalf("expected closed error after close, got %v", err)
	}
}

func TestStartHonorsCallerCancellation(t *testing.T) {
	// Dialing a closed port fails and the connect loop keeps backing off,
	// so ready never fires; the caller's context must end the wait without
	// waiting out the handshake timeout.
	c := NewConn(context.Background(), ConnConfig{
		URL:              "ws://127.0.0.1:1",
		HandshakeTimeout: 30 * time.Second,
	}, nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begun := time.Now()
	err := c.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
	if elapsed := time.Since(begun); elapsed > 5*time.Second {
		t.Fatalf("start did not return on caller cancellation, took %s", elapsed)
	}
}
