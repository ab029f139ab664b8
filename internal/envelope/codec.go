// Package envelope implements the control-channel wire format.
//
// A frame is a 4-byte little-endian length prefix followed by a CBOR
// array of [kind, header, content]. One websocket binary message carries
// exactly one frame.
package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rsclarke/wpsrelay/internal/events"
)

const (
	prefixLen = 4

	// MaxFrameSize is the largest encoded frame body accepted or produced.
	MaxFrameSize = 1 << 20
)

// Kind identifies the type of a frame.
type Kind uint8

// Frame kinds.
const (
	KindConnected     Kind = 1
	KindMessage       Kind = 2
	KindDisconnected  Kind = 3
	KindResponse      Kind = 4
	KindServiceStatus Kind = 5
	KindReconnect     Kind = 6
	KindClose         Kind = 7
	KindPing          Kind = 8
	KindPong          Kind = 9
)

var kindNames = map[Kind]string{
	KindConnected:     "connected",
	KindMessage:       "message",
	KindDisconnected:  "disconnected",
	KindResponse:      "response",
	KindServiceStatus: "service_status",
	KindReconnect:     "reconnect",
	KindClose:         "close",
	KindPing:          "ping",
	KindPong:          "pong",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Known reports whether k is a defined frame kind.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// IsEvent reports whether frames of this kind carry a TunnelEvent.
func (k Kind) IsEvent() bool {
	return k == KindConnected || k == KindMessage || k == KindDisconnected
}

// Header carries frame metadata. Which fields are set depends on Kind.
type Header struct {
	ConnectionID string `cbor:"connectionId,omitempty"`
	Seq          uint64 `cbor:"seq,omitempty"`
	ContentType  string `cbor:"contentType,omitempty"`
	UserID       string `cbor:"userId,omitempty"`
	Status       int    `cbor:"status,omitempty"`
	TracingID    string `cbor:"tracingId,omitempty"`
	Message      string `cbor:"message,omitempty"`
	Endpoint     string `cbor:"endpoint,omitempty"`
	Reason       string `cbor:"reason,omitempty"`
	SentAt       int64  `cbor:"sentAt,omitempty"`
}

// Frame is one decoded control-channel frame.
type Frame struct {
	_       struct{} `cbor:",toarray"`
	Kind    Kind
	Header  Header
	Content []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// ReadFrame reads one websocket message body from r. A message longer
// than a maximal frame is drained and reported as ErrFrameTooLarge so the
// caller can drop it and keep reading.
func ReadFrame(r io.Reader) ([]byte, error) {
	limit := int64(prefixLen + MaxFrameSize)
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return nil, err
		}
		return nil, newDecodeError(fmt.Sprintf("message of %d bytes", int64(len(raw))+n), ErrFrameTooLarge)
	}
	return raw, nil
}

// Decode parses one raw frame. It never has side effects; callers decide
// whether to drop the frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < prefixLen {
		return Frame{}, newDecodeError("frame shorter than length prefix", ErrMalformedFrame)
	}
	n := binary.LittleEndian.Uint32(raw[:prefixLen])
	if n > MaxFrameSize {
		return Frame{}, newDecodeError(fmt.Sprintf("declared length %d", n), ErrFrameTooLarge)
	}
	body := raw[prefixLen:]
	if int(n) != len(body) {
		return Frame{}, newDecodeError(fmt.Sprintf("declared length %d, got %d bytes", n, len(body)), ErrMalformedFrame)
	}

	var f Frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return Frame{}, newDecodeError(err.Error(), ErrMalformedFrame)
	}
	if !f.Kind.Known() {
		return Frame{}, newDecodeError(f.Kind.String(), ErrUnknownKind)
	}
	if (f.Kind.IsEvent() || f.Kind == KindResponse) && f.Header.ConnectionID == "" {
		return Frame{}, newDecodeError(f.Kind.String()+" frame", ErrMissingConnectionID)
	}
	return f, nil
}

// DecodeEvent decodes raw and returns the TunnelEvent it carries.
func DecodeEvent(raw []byte) (events.TunnelEvent, error) {
	f, err := Decode(raw)
	if err != nil {
		return events.TunnelEvent{}, err
	}
	return f.Event()
}

// Encode serializes f including the length prefix.
func Encode(f Frame) ([]byte, error) {
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", f.Kind, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("envelope: encode %s: %d bytes: %w", f.Kind, len(body), ErrFrameTooLarge)
	}
	out := make([]byte, prefixLen+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[prefixLen:], body)
	return out, nil
}

// EncodeResponse serializes a Response frame.
func EncodeResponse(resp events.Response) ([]byte, error) {
	return Encode(Frame{
		Kind: KindResponse,
		Header: Header{
			ConnectionID: resp.ConnectionID,
			Status:       resp.Status,
			ContentType:  resp.ContentType,
			TracingID:    resp.TracingID,
		},
		Content: resp.Payload,
	})
}

// EncodeEvent serializes an event frame, as the cloud service would send it.
func EncodeEvent(ev events.TunnelEvent) ([]byte, error) {
	var kind Kind
	switch ev.Kind {
	case events.KindConnected:
		kind = KindConnected
	case events.KindMessage:
		kind = KindMessage
	case events.KindDisconnected:
		kind = KindDisconnected
	default:
		return nil, fmt.Errorf("envelope: encode event: %w: %q", ErrUnknownKind, ev.Kind)
	}
	return Encode(Frame{
		Kind: kind,
		Header: Header{
			ConnectionID: ev.ConnectionID,
			Seq:          ev.Sequence,
			ContentType:  ev.ContentType,
			UserID:       ev.UserID,
			TracingID:    ev.TracingID,
		},
		Content: ev.Payload,
	})
}

// Event returns the TunnelEvent carried by an event frame.
func (f Frame) Event() (events.TunnelEvent, error) {
	var kind events.Kind
	switch f.Kind {
	case KindConnected:
		kind = events.KindConnected
	case KindMessage:
		kind = events.KindMessage
	case KindDisconnected:
		kind = events.KindDisconnected
	default:
		return events.TunnelEvent{}, fmt.Errorf("envelope: %s frame: %w", f.Kind, ErrNotEvent)
	}
	return events.TunnelEvent{
		Kind:         kind,
		ConnectionID: f.Header.ConnectionID,
		Sequence:     f.Header.Seq,
		ContentType:  f.Header.ContentType,
		Payload:      f.Content,
		UserID:       f.Header.UserID,
		TracingID:    f.Header.TracingID,
	}, nil
}

// Response returns the Response carried by a response frame.
func (f Frame) Response() (events.Response, error) {
	if f.Kind != KindResponse {
		return events.Response{}, fmt.Errorf("envelope: %s frame is not a response", f.Kind)
	}
	return events.Response{
		ConnectionID: f.Header.ConnectionID,
		TracingID:    f.Header.TracingID,
		Status:       f.Header.Status,
		ContentType:  f.Header.ContentType,
		Payload:      f.Content,
	}, nil
}

// Ping builds a heartbeat frame stamped with sentAt.
func Ping(sentAt time.Time) Frame {
	return Frame{Kind: KindPing, Header: Header{SentAt: sentAt.UnixNano()}}
}

// Pong builds the acknowledgement for a Ping frame.
func Pong(ping Frame) Frame {
	return Frame{Kind: KindPong, Header: Header{SentAt: ping.Header.SentAt}}
}
