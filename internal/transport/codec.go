// Package transport maintains the realtime websocket session and brokers
// tell, request, and response frames between the socket and the dispatcher.
package transport

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/fasttravel/realtime-go/errs"
)

// Service names the logical realtime service a frame belongs to.
type Service string

const (
	// ServiceCore carries application messages.
	ServiceCore Service = "core"
	// ServiceConnection carries connection lifecycle messages.
	ServiceConnection Service = "connection"
)

// FrameKind discriminates the three wire frame shapes.
type FrameKind string

const (
	// FrameTell is a one-way notification.
	FrameTell FrameKind = "tell"
	// FrameRequest expects a correlated response.
	FrameRequest FrameKind = "request"
	// FrameResponse answers a prior request by ID.
	FrameResponse FrameKind = "response"
)

// Frame is one unit on the wire.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Service Service         `json:"service"`
	ID      uint32          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame serializes a frame for the socket.
func EncodeFrame(f Frame) ([]byte, error) {
	if err := validateFrame(f); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses one frame off the socket.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errs.New("transport/decode", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := validateFrame(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func validateFrame(f Frame) error {
	switch f.Kind {
	case FrameTell:
	case FrameRequest, FrameResponse:
		if f.ID == 0 {
			return errs.New("transport/frame", errs.CodeInvalid, errs.WithMessage("correlated frame requires an id"))
		}
	default:
		return errs.New("transport/frame", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown frame kind %q", f.Kind)))
	}
	if f.Service == "" {
		return errs.New("transport/frame", errs.CodeInvalid, errs.WithMessage("frame requires a service"))
	}
	return nil
}
