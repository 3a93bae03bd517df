// Package endpoint implements the agent host's local command endpoint: a
// duplex stream socket carrying CBOR frames, the server that executes them
// in arrival order, and the client the gateway and UI bridge use to reach it.
package endpoint

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/substrate-ai/relay/pkg/dispatcher"
)

// FrameKind discriminates the frame union.
type FrameKind string

const (
	KindRequest  FrameKind = "request"
	KindProgress FrameKind = "progress"
	KindReply    FrameKind = "reply"
)

// Frame is one message on the pipe. Exactly one of the pointers matches Kind.
type Frame struct {
	Kind     FrameKind            `cbor:"kind"`
	Request  *dispatcher.Request  `cbor:"request,omitempty"`
	Progress *dispatcher.Progress `cbor:"progress,omitempty"`
	Reply    *dispatcher.Response `cbor:"reply,omitempty"`
}

// Validate checks that the populated member matches Kind.
func (f *Frame) Validate() error {
	switch f.Kind {
	case KindRequest:
		if f.Request == nil {
			return fmt.Errorf("endpoint:frame - request frame without request")
		}
	case KindProgress:
		if f.Progress == nil {
			return fmt.Errorf("endpoint:frame - progress frame without progress")
		}
	case KindReply:
		if f.Reply == nil {
			return fmt.Errorf("endpoint:frame - reply frame without reply")
		}
	default:
		return fmt.Errorf("endpoint:frame - unknown frame kind %q", f.Kind)
	}
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Sort: cbor.SortCanonical}).EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  32,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// FrameEncoder writes frames to a stream. It is not safe for concurrent use.
type FrameEncoder struct {
	enc *cbor.Encoder
}

// NewFrameEncoder wraps w.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{enc: encMode.NewEncoder(w)}
}

// Encode writes one frame.
func (e *FrameEncoder) Encode(f *Frame) error {
	return e.enc.Encode(f)
}

// FrameDecoder reads frames from a stream.
type FrameDecoder struct {
	dec *cbor.Decoder
}

// NewFrameDecoder wraps r.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{dec: decMode.NewDecoder(r)}
}

// Decode reads and validates the next frame.
func (d *FrameDecoder) Decode() (*Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
