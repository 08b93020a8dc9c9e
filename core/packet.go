package core

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// ILP packet model
// -----------------------------------------------------------------------------

// Packet type tags on the wire. The tag is the first byte of every encoded
// ILP packet, followed by a canonical varuint length prefix and the body.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// Field limits enforced by the codec.
const (
	MaxDataLen    = 32 * 1024
	MaxMessageLen = 8 * 1024
	MaxFieldLen   = 16 * 1024 * 1024
)

// Packet is the tagged union of the three ILP packet kinds. Exactly one of
// *PreparePacket, *FulfillPacket and *RejectPacket implements it.
type Packet interface {
	Type() byte
}

// PreparePacket carries a conditional transfer towards a destination address.
// It is immutable once constructed; forwarding rewrites produce a new value.
type PreparePacket struct {
	Amount             uint64
	Destination        Address
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	Data               []byte
}

func (p *PreparePacket) Type() byte { return TypePrepare }

// FulfillPacket proves the condition of a paired Prepare was met.
type FulfillPacket struct {
	Fulfillment [32]byte
	Data        []byte
}

func (p *FulfillPacket) Type() byte { return TypeFulfill }

// Matches reports whether sha256(fulfillment) equals the given condition.
func (p *FulfillPacket) Matches(condition [32]byte) bool {
	sum := sha256.Sum256(p.Fulfillment[:])
	return bytes.Equal(sum[:], condition[:])
}

// RejectPacket terminates a transfer with a typed error code.
type RejectPacket struct {
	Code        ErrorCode
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (p *RejectPacket) Type() byte { return TypeReject }

// NewReject builds a reject triggered by the given node with the canonical
// message for codes whose internal detail must not leak.
func NewReject(code ErrorCode, triggeredBy Address, message string) *RejectPacket {
	// Raw internal error text never travels in T00 rejects; callers pass ""
	// and the wire carries a generic message.
	if code == CodeInternalError && message == "" {
		message = "internal error"
	}
	return &RejectPacket{Code: code, TriggeredBy: triggeredBy, Message: message}
}

// -----------------------------------------------------------------------------
// Addresses
// -----------------------------------------------------------------------------

// Address is a hierarchical dotted lowercase ILP address ("g.acme.alice").
type Address string

func (a Address) String() string { return string(a) }

// HasPrefix reports whether a is equal to prefix or lives under it. "g.a"
// covers "g.a" and "g.a.b" but never "g.ab".
func (a Address) HasPrefix(prefix Address) bool {
	if a == prefix {
		return true
	}
	if len(a) > len(prefix) && a[len(prefix)] == '.' {
		return a[:len(prefix)] == prefix
	}
	return false
}

// ValidateAddress checks the RFC-0015 shape: lowercase alphanumeric first
// byte, then [a-z0-9._~-], with no empty dot-separated segment.
func ValidateAddress(a Address) error {
	if len(a) == 0 {
		return fmt.Errorf("address empty")
	}
	c := a[0]
	if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
		return fmt.Errorf("address %q: bad leading byte", a)
	}
	prevDot := false
	for i := 1; i < len(a); i++ {
		c := a[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '~', c == '-':
			prevDot = false
		case c == '.':
			if prevDot {
				return fmt.Errorf("address %q: empty segment", a)
			}
			prevDot = true
		default:
			return fmt.Errorf("address %q: bad byte %q at %d", a, c, i)
		}
	}
	if prevDot {
		return fmt.Errorf("address %q: trailing dot", a)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Transport envelope
// -----------------------------------------------------------------------------

// Envelope frame types, byte-exact on the wire.
const (
	FrameResponse byte = 0x01
	FrameError    byte = 0x02
	FrameMessage  byte = 0x06
	FrameTransfer byte = 0x07
)

// Protocol entry content types.
const (
	ContentOctetStream byte = 0
	ContentTextPlain   byte = 1
	ContentJSON        byte = 2
)

// Well-known protocol entry names.
const (
	ProtoILP      = "ilp"
	ProtoAuth     = "auth"
	ProtoAuthPeer = "auth_peer_id"
	ProtoAuthTok  = "auth_token"
)

// ProtocolEntry is one named payload inside an envelope. Order on the wire is
// preserved; the ILP packet always travels as the entry named "ilp".
type ProtocolEntry struct {
	Name        string
	ContentType byte
	Payload     []byte
}

// Envelope is the outer framed message exchanged over a peer connection.
type Envelope struct {
	FrameType    byte
	RequestID    uint32
	ProtocolData []ProtocolEntry
}

// Entry returns the first protocol entry with the given name, or nil.
func (e *Envelope) Entry(name string) *ProtocolEntry {
	for i := range e.ProtocolData {
		if e.ProtocolData[i].Name == name {
			return &e.ProtocolData[i]
		}
	}
	return nil
}

// ilpMessage wraps raw ILP packet bytes into a MESSAGE envelope.
func ilpMessage(requestID uint32, packet []byte) *Envelope {
	return &Envelope{
		FrameType: FrameMessage,
		RequestID: requestID,
		ProtocolData: []ProtocolEntry{
			{Name: ProtoILP, ContentType: ContentOctetStream, Payload: packet},
		},
	}
}

// ilpResponse wraps raw ILP packet bytes into a RESPONSE envelope.
func ilpResponse(requestID uint32, packet []byte) *Envelope {
	return &Envelope{
		FrameType: FrameResponse,
		RequestID: requestID,
		ProtocolData: []ProtocolEntry{
			{Name: ProtoILP, ContentType: ContentOctetStream, Payload: packet},
		},
	}
}
