package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rsclarke/wpsrelay/internal/events"
)

func frameOf(t *testing.T, v any) []byte {
	t.Helper()
	body, err := encMode.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := make([]byte, prefixLen+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[prefixLen:], body)
	return out
}

func TestEncodeDecodeMessageEvent(t *testing.T) {
	ev := events.TunnelEvent{
		Kind:         events.KindMessage,
		ConnectionID: "conn-a",
		Sequence:     7,
		ContentType:  "text/plain",
		Payload:      []byte("hi"),
		UserID:       "alice",
		TracingID:    "trace-1",
	}

	raw, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	got, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if got.Kind != events.KindMessage {
		t.Errorf("Kind = %q, want %q", got.Kind, events.KindMessage)
	}
	if got.ConnectionID != "conn-a" || got.Sequence != 7 {
		t.Errorf("got connection %q seq %d, want conn-a seq 7", got.ConnectionID, got.Sequence)
	}
	if got.ContentType != "text/plain" || !bytes.Equal(got.Payload, []byte("hi")) {
		t.Errorf("got content %q %q", got.ContentType, got.Payload)
	}
	if got.UserID != "alice" || got.TracingID != "trace-1" {
		t.Errorf("got user %q tracing %q", got.UserID, got.TracingID)
	}
}

func TestEncodeResponse(t *testing.T) {
	raw, err := EncodeResponse(events.Response{
		ConnectionID: "conn-a",
		TracingID:    "trace-1",
		Status:       504,
		ContentType:  "text/plain",
		Payload:      []byte("timeout"),
	})
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}

	if n := binary.LittleEndian.Uint32(raw); int(n) != len(raw)-prefixLen {
		t.Errorf("length prefix = %d, want %d", n, len(raw)-prefixLen)
	}

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	resp, err := f.Response()
	if err != nil {
		t.Fatalf("Response failed: %v", err)
	}
	if resp.Status != 504 || string(resp.Payload) != "timeout" || resp.TracingID != "trace-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if _, err := f.Event(); !errors.Is(err, ErrNotEvent) {
		t.Errorf("Event() on response frame: err = %v, want ErrNotEvent", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := EncodeEvent(events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	oversized := make([]byte, prefixLen)
	binary.LittleEndian.PutUint32(oversized, MaxFrameSize+1)

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrMalformedFrame},
		{"short prefix", []byte{1, 0}, ErrMalformedFrame},
		{"truncated body", valid[:len(valid)-1], ErrMalformedFrame},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00), ErrMalformedFrame},
		{"too large", oversized, ErrFrameTooLarge},
		{"not cbor", frameOfRaw([]byte{0xff, 0xfe}), ErrMalformedFrame},
		{"wrong arity", frameOf(t, []any{1, map[string]any{"connectionId": "c"}}), ErrMalformedFrame},
		{"unknown kind", frameOf(t, []any{42, map[string]any{"connectionId": "c"}, []byte(nil)}), ErrUnknownKind},
		{"missing connection id", frameOf(t, []any{2, map[string]any{"seq": 0}, []byte("x")}), ErrMissingConnectionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrDecode) {
				t.Errorf("error %v does not match ErrDecode", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not a *DecodeError", err)
			}
		})
	}
}

func frameOfRaw(body []byte) []byte {
	out := make([]byte, prefixLen+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[prefixLen:], body)
	return out
}

func TestControlFramesNeedNoConnectionID(t *testing.T) {
	sent := time.Unix(0, 12345)
	raw, err := Encode(Ping(sent))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Kind != KindPing {
		t.Fatalf("Kind = %v, want ping", f.Kind)
	}

	pong := Pong(f)
	if pong.Kind != KindPong || pong.Header.SentAt != sent.UnixNano() {
		t.Errorf("unexpected pong %+v", pong)
	}

	raw, err = Encode(Frame{Kind: KindReconnect, Header: Header{Endpoint: "wss://other.example.com"}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err = Decode(raw)
	if err != nil {
		t.Fatalf("Decode reconnect failed: %v", err)
	}
	if f.Header.Endpoint != "wss://other.example.com" {
		t.Errorf("Endpoint = %q", f.Header.Endpoint)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeResponse(events.Response{
		ConnectionID: "c",
		Status:       200,
		Payload:      make([]byte, MaxFrameSize),
	})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("error = %v, want ErrFrameTooLarge", err)
	}
}

func TestKindString(t *testing.T) {
	if KindMessage.String() != "message" {
		t.Errorf("KindMessage.String() = %q", KindMessage.String())
	}
	if Kind(99).String() != "kind(99)" {
		t.Errorf("Kind(99).String() = %q", Kind(99).String())
	}
	if Kind(99).Known() {
		t.Error("Kind(99) should not be known")
	}
}

func TestReadFrame(t *testing.T) {
	raw, err := EncodeEvent(events.TunnelEvent{Kind: events.KindConnected, ConnectionID: "c1"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("ReadFrame returned %d bytes, want %d", len(got), len(raw))
	}

	r := bytes.NewReader(make([]byte, prefixLen+MaxFrameSize+10))
	_, err = ReadFrame(r)
	if !errors.Is(err, ErrFrameTooLarge) || !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if r.Len() != 0 {
		t.Errorf("%d bytes left unread, want message drained", r.Len())
	}
}
