package packet

import (
	"bytes"
	"net"
	"testing"
)

func mustEncode(t *testing.T, p *Packet) []byte {
	t.Helper()
	b, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	remote := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5683}

	p := New(CON, GET, 42, []byte{0x01})
	p.AddOption(OptionUriPath, []byte("hello"))
	p.Payload = []byte("world")

	encoded := mustEncode(t, p)
	decoded := Decode(encoded, remote)

	if !decoded.IsWellFormed() {
		t.Fatalf("decoded packet not well formed: %+v", decoded)
	}
	if decoded.Type != CON || decoded.Code != GET || decoded.MessageID != 42 {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Token, p.Token) {
		t.Fatalf("token mismatch: got %x want %x", decoded.Token, p.Token)
	}
	if !bytes.Equal(decoded.Payload, p.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.Payload, p.Payload)
	}
	path, ok := decoded.GetOption(OptionUriPath)
	if !ok || string(path) != "hello" {
		t.Fatalf("uri-path mismatch: %q ok=%v", path, ok)
	}
	if decoded.RemoteEndpoint != remote {
		t.Fatalf("remote endpoint not attached")
	}
}

func TestEncodeDecodeNoPayload(t *testing.T) {
	p := New(ACK, Empty, 7, nil)
	encoded := mustEncode(t, p)
	decoded := Decode(encoded, nil)
	if !decoded.IsWellFormed() {
		t.Fatalf("decoded packet not well formed: %+v", decoded)
	}
	if len(decoded.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", decoded.Payload)
	}
}

func TestEncodeDecodeExtendedOptionDelta(t *testing.T) {
	p := New(CON, GET, 1, []byte{0xAB, 0xCD})
	// Option number 300 forces the 14-bit delta extension (>= 269).
	p.AddOption(300, []byte("x"))
	encoded := mustEncode(t, p)
	decoded := Decode(encoded, nil)
	if !decoded.IsWellFormed() {
		t.Fatalf("not well formed: %+v", decoded)
	}
	v, ok := decoded.GetOption(300)
	if !ok || string(v) != "x" {
		t.Fatalf("option 300 mismatch: %q ok=%v", v, ok)
	}
}

func TestEncodeDecodeLongOptionValueExtension(t *testing.T) {
	p := New(CON, POST, 2, nil)
	longValue := bytes.Repeat([]byte{0x42}, 300) // forces the 14-bit length extension.
	p.AddOption(OptionContentFormat, longValue)
	encoded := mustEncode(t, p)
	decoded := Decode(encoded, nil)
	if !decoded.IsWellFormed() {
		t.Fatalf("not well formed: %+v", decoded)
	}
	v, ok := decoded.GetOption(OptionContentFormat)
	if !ok || !bytes.Equal(v, longValue) {
		t.Fatalf("long option value mismatch, got len=%d want len=%d", len(v), len(longValue))
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0x40, 0x01},
		{0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		{0x40, 0x01, 0x00, 0x01, 0x01, 0xFF}, // one-byte option whose value byte is 0xFF, not a payload marker
		bytes.Repeat([]byte{0xFF}, 3),
	}
	for i, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("input %d: decode panicked: %v", i, r)
				}
			}()
			p := Decode(in, nil)
			if p == nil {
				t.Fatalf("input %d: decode returned nil", i)
			}
		}()
	}
}

func TestDecodeMalformedVersionIsRejected(t *testing.T) {
	// Version field (top 2 bits) set to 2, which is invalid.
	data := []byte{0x80, byte(GET), 0x00, 0x01}
	p := Decode(data, nil)
	if p.IsWellFormed() {
		t.Fatalf("expected malformed packet to be rejected, got %+v", p)
	}
}

func TestOptionsMustBeAscendingToEncode(t *testing.T) {
	p := New(CON, GET, 1, nil)
	p.Options = []Option{{Number: 20, Value: []byte("b")}, {Number: 10, Value: []byte("a")}}
	if _, err := p.Encode(); err == nil {
		t.Fatalf("expected error encoding out-of-order options")
	}
}

func TestBlockOptionRoundTrip(t *testing.T) {
	cases := []BlockOption{
		{Num: 0, More: true, SZX: 2},
		{Num: 1, More: true, SZX: 2},
		{Num: 2, More: false, SZX: 2},
		{Num: 1048575, More: true, SZX: 6},
	}
	for _, c := range cases {
		raw := EncodeBlockOption(c)
		got, ok := DecodeBlockOption(raw)
		if !ok {
			t.Fatalf("decode failed for %+v", c)
		}
		if got != c {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
		}
	}
}

func TestWorkIDs(t *testing.T) {
	remote := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	p := New(CON, Content, 5, []byte{0x09})
	p.AddOption(OptionBlock2, EncodeBlockOption(BlockOption{Num: 1, More: true, SZX: 2}))
	p.RemoteEndpoint = remote

	short := p.ShortTermWorkID()
	if short.MessageID != 5 || short.Remote != remote.String() {
		t.Fatalf("unexpected short term work id: %+v", short)
	}

	long, ok := p.LongTermWorkID()
	if !ok || long.Option != OptionBlock2 || long.Token != string(p.Token) {
		t.Fatalf("unexpected long term work id: %+v ok=%v", long, ok)
	}

	general := p.GeneralWorkID()
	if general.Token != string(p.Token) || general.Remote != remote.String() {
		t.Fatalf("unexpected general work id: %+v", general)
	}
}
