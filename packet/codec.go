package packet

import (
	"net"

	"github.com/pkg/errors"
)

// ErrTruncated is wrapped into decode errors when a byte sequence is too
// short to hold the field being read. Decode never returns this to its
// caller: §4.1 requires the codec to yield a sentinel packet instead of an
// error, so only the internal decode uses it to short-circuit parsing.
var ErrTruncated = errors.New("coap: truncated packet")

// Encode lays out the packet as RFC 7252 §3 wire bytes: the 4-byte header,
// the token, options in ascending-number delta/length TLV form, and (if
// non-empty) a 0xFF marker followed by the payload.
func (p *Packet) Encode() ([]byte, error) {
	if int(p.TokenLength) != len(p.Token) {
		p.TokenLength = uint8(len(p.Token))
	}
	if p.TokenLength > MaxTokenLength {
		return nil, errors.Errorf("coap: token length %d exceeds max %d", p.TokenLength, MaxTokenLength)
	}

	buf := make([]byte, 0, 4+len(p.Token)+len(p.Payload)+16)

	header := (p.Version&0x03)<<6 | (uint8(p.Type)&0x03)<<4 | (p.TokenLength & 0x0F)
	buf = append(buf, header, uint8(p.Code), byte(p.MessageID>>8), byte(p.MessageID))
	buf = append(buf, p.Token...)

	lastNumber := uint16(0)
	for _, opt := range p.Options {
		if opt.Number < lastNumber {
			return nil, errors.New("coap: options must be encoded in ascending order")
		}
		delta := opt.Number - lastNumber
		buf = appendOption(buf, delta, opt.Value)
		lastNumber = opt.Number
	}

	if len(p.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, p.Payload...)
	}

	return buf, nil
}

// appendOption serializes one option's delta/length nibbles (with the
// RFC 7252 §3.1 13-/14-byte extensions) followed by its value bytes.
func appendOption(buf []byte, delta uint16, value []byte) []byte {
	deltaNibble, deltaExt := nibbleAndExtension(delta)
	lengthNibble, lengthExt := nibbleAndExtension(uint16(len(value)))

	buf = append(buf, byte(deltaNibble<<4)|byte(lengthNibble))
	buf = append(buf, deltaExt...)
	buf = append(buf, lengthExt...)
	buf = append(buf, value...)
	return buf
}

// nibbleAndExtension computes the 4-bit nibble and (if needed) extension
// bytes for a delta or length value per RFC 7252 §3.1.
func nibbleAndExtension(v uint16) (nibble uint8, ext []byte) {
	switch {
	case v < 13:
		return uint8(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ev := v - 269
		return 14, []byte{byte(ev >> 8), byte(ev)}
	}
}

// Decode reverses Encode, attaching remote as the in-memory (not on-wire)
// sender endpoint. Decode never returns an error and never panics: any
// malformed input (truncated header/options, reserved nibble 15 outside
// the payload-marker context) yields a sentinel packet with Version 0, so
// the ingress format filter (spec.md §4.4) can uniformly reject it with a
// 5.00 response (invariant 2, spec.md §8).
func Decode(data []byte, remote *net.UDPAddr) *Packet {
	p, err := decode(data)
	if err != nil {
		return &Packet{Version: 0, RemoteEndpoint: remote}
	}
	p.RemoteEndpoint = remote
	return p
}

func decode(data []byte) (*Packet, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}

	header := data[0]
	p := &Packet{
		Version:     header >> 6,
		Type:        Type((header >> 4) & 0x03),
		TokenLength: header & 0x0F,
		Code:        Code(data[1]),
		MessageID:   uint16(data[2])<<8 | uint16(data[3]),
	}

	if p.TokenLength > MaxTokenLength {
		return nil, errors.New("coap: token length out of range")
	}

	pos := 4
	if len(data) < pos+int(p.TokenLength) {
		return nil, ErrTruncated
	}
	p.Token = append([]byte(nil), data[pos:pos+int(p.TokenLength)]...)
	pos += int(p.TokenLength)

	lastNumber := uint16(0)
	for pos < len(data) {
		if data[pos] == PayloadMarker {
			pos++
			if pos >= len(data) {
				// marker present with no payload bytes following is malformed
				return nil, errors.New("coap: payload marker with no payload")
			}
			p.Payload = append([]byte(nil), data[pos:]...)
			pos = len(data)
			break
		}

		deltaNibble := data[pos] >> 4
		lengthNibble := data[pos] & 0x0F
		pos++

		delta, newPos, err := readExtension(data, pos, deltaNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		length, newPos, err := readExtension(data, pos, lengthNibble)
		if err != nil {
			return nil, err
		}
		pos = newPos

		if len(data) < pos+int(length) {
			return nil, ErrTruncated
		}

		number := lastNumber + delta
		p.Options = append(p.Options, Option{Number: number, Value: append([]byte(nil), data[pos:pos+int(length)]...)})
		pos += int(length)
		lastNumber = number
	}

	return p, nil
}

// readExtension resolves a delta/length nibble to its numeric value,
// consuming any 13-/14-bit extension bytes. Nibble 15 is reserved outside
// of the payload-marker byte (0xFF), which is handled before this is ever
// called with a raw option byte, so it is always an error here.
func readExtension(data []byte, pos int, nibble uint8) (value uint16, newPos int, err error) {
	switch nibble {
	case 15:
		return 0, pos, errors.New("coap: reserved nibble value 15 in option")
	case 14:
		if len(data) < pos+2 {
			return 0, pos, ErrTruncated
		}
		return (uint16(data[pos])<<8 | uint16(data[pos+1])) + 269, pos + 2, nil
	case 13:
		if len(data) < pos+1 {
			return 0, pos, ErrTruncated
		}
		return uint16(data[pos]) + 13, pos + 1, nil
	default:
		return uint16(nibble), pos, nil
	}
}
