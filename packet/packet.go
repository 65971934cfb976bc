package packet

import (
	"fmt"
	"net"

	"github.com/davecgh/go-spew/spew"
)

// Option is a single CoAP option as kept in memory: number plus opaque
// value bytes. Options are repeatable (e.g. Uri-Path), so a Packet holds
// them as an ascending-by-number ordered slice rather than a map.
type Option struct {
	Number uint16
	Value  []byte
}

// Packet is the in-memory representation of a single CoAP message.
type Packet struct {
	Version        uint8
	Type           Type
	TokenLength    uint8
	Code           Code
	MessageID      uint16
	Token          []byte
	Options        []Option // ascending by Number
	Payload        []byte
	RemoteEndpoint *net.UDPAddr
}

// New builds a well-formed Packet with Version pre-set to 1.
func New(typ Type, code Code, messageID uint16, token []byte) *Packet {
	return &Packet{
		Version:     1,
		Type:        typ,
		Code:        code,
		MessageID:   messageID,
		Token:       token,
		TokenLength: uint8(len(token)),
	}
}

// IsWellFormed reports whether the packet satisfies the invariants of
// spec.md §3: version 1, a type/code/token-length within their enum
// ranges. decode() returns a sentinel (Version 0) packet that always fails
// this check instead of raising an error.
func (p *Packet) IsWellFormed() bool {
	if p == nil {
		return false
	}
	return p.Version == 1 &&
		p.Type.IsValid() &&
		p.Code.IsValid() &&
		int(p.TokenLength) == len(p.Token) &&
		p.TokenLength <= MaxTokenLength
}

// AddOption inserts an option keeping the slice ordered by ascending
// option number, as the wire delta encoding requires.
func (p *Packet) AddOption(number uint16, value []byte) {
	opt := Option{Number: number, Value: value}
	i := 0
	for ; i < len(p.Options); i++ {
		if p.Options[i].Number > number {
			break
		}
	}
	p.Options = append(p.Options, Option{})
	copy(p.Options[i+1:], p.Options[i:])
	p.Options[i] = opt
}

// GetOption returns the first option matching number, if any.
func (p *Packet) GetOption(number uint16) ([]byte, bool) {
	for _, o := range p.Options {
		if o.Number == number {
			return o.Value, true
		}
	}
	return nil, false
}

// GetOptions returns all options matching number, preserving order.
func (p *Packet) GetOptions(number uint16) [][]byte {
	var out [][]byte
	for _, o := range p.Options {
		if o.Number == number {
			out = append(out, o.Value)
		}
	}
	return out
}

// HasBlockOption reports whether the packet carries a Block1 or Block2
// option and returns its option number (spec.md §3 "option_code_of_interest").
func (p *Packet) HasBlockOption() (uint16, bool) {
	if _, ok := p.GetOption(OptionBlock2); ok {
		return OptionBlock2, true
	}
	if _, ok := p.GetOption(OptionBlock1); ok {
		return OptionBlock1, true
	}
	return 0, false
}

// UriPath reassembles the Uri-Path option segments into a "/"-joined path.
func (p *Packet) UriPath() string {
	segments := p.GetOptions(OptionUriPath)
	if len(segments) == 0 {
		return ""
	}
	path := ""
	for i, s := range segments {
		if i > 0 {
			path += "/"
		}
		path += string(s)
	}
	return path
}

// ShortTermWorkID is the per-datagram-attempt identity: (remote, message id).
// It drives duplicate suppression of retransmitted CONs within
// EXCHANGE_LIFETIME (spec.md §3).
type ShortTermWorkID struct {
	Remote    string
	MessageID uint16
}

// LongTermWorkID identifies a logical, possibly multi-block exchange:
// (remote, token, option number of interest). It drives duplicate
// suppression across blocks (spec.md §3).
type LongTermWorkID struct {
	Remote string
	Token  string
	Option uint16
}

// GeneralWorkID identifies any exchange sharing a token, used when an RST
// aborts the whole flow (spec.md §3).
type GeneralWorkID struct {
	Remote string
	Token  string
}

// String renders a ShortTermWorkID as a map/hash key.
func (id ShortTermWorkID) String() string {
	return fmt.Sprintf("%s#%d", id.Remote, id.MessageID)
}

// String renders a LongTermWorkID as a map/hash key.
func (id LongTermWorkID) String() string {
	return fmt.Sprintf("%s#%s#%d", id.Remote, id.Token, id.Option)
}

// String renders a GeneralWorkID as a map/hash key.
func (id GeneralWorkID) String() string {
	return fmt.Sprintf("%s#%s", id.Remote, id.Token)
}

// ShortTermWorkID derives the packet's short-term work identifier.
func (p *Packet) ShortTermWorkID() ShortTermWorkID {
	return ShortTermWorkID{Remote: remoteKey(p.RemoteEndpoint), MessageID: p.MessageID}
}

// LongTermWorkID derives the packet's long-term work identifier, if the
// packet carries a Block1/Block2 option; ok is false otherwise.
func (p *Packet) LongTermWorkID() (LongTermWorkID, bool) {
	opt, ok := p.HasBlockOption()
	if !ok {
		return LongTermWorkID{}, false
	}
	return LongTermWorkID{Remote: remoteKey(p.RemoteEndpoint), Token: string(p.Token), Option: opt}, true
}

// GeneralWorkID derives the packet's general work identifier.
func (p *Packet) GeneralWorkID() GeneralWorkID {
	return GeneralWorkID{Remote: remoteKey(p.RemoteEndpoint), Token: string(p.Token)}
}

func remoteKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// String renders a one-line summary suitable for info-level logging.
func (p *Packet) String() string {
	if p == nil {
		return "<nil packet>"
	}
	return fmt.Sprintf("%s %s mid=%d token=%x len(payload)=%d", p.Type, p.Code, p.MessageID, p.Token, len(p.Payload))
}

// Dump renders a verbose, field-by-field spew dump of the packet for debug
// logging (SPEC_FULL.md §4.1).
func (p *Packet) Dump() string {
	return spew.Sdump(p)
}
