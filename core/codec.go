package core

import (
	"encoding/binary"
	"time"
	"unicode/utf8"
)

// Wire codec for ILP packets and the transport envelope.
//
// Every packet is a single type tag byte, a canonical varuint length prefix
// and the body. Integers inside bodies use the same varuint; addresses and
// opaque fields are length-prefixed; 32-byte fields are raw. Timestamps are
// encoded as milliseconds since the Unix epoch.

// -----------------------------------------------------------------------------
// Canonical varuint
// -----------------------------------------------------------------------------

// A varuint below 0x80 is one byte. Larger values are 0x80|n followed by n
// big-endian bytes with no leading zero byte. Any longer rendering of the
// same value is non-canonical and rejected on read.

func appendVarUint(dst []byte, v uint64) []byte {
	if v < 0x80 {
		return append(dst, byte(v))
	}
	n := 0
	for tmp := v; tmp > 0; tmp >>= 8 {
		n++
	}
	dst = append(dst, 0x80|byte(n))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

func readVarUint(buf []byte, pos int) (uint64, int, *DecodeError) {
	if pos >= len(buf) {
		return 0, pos, decodeErr(DecodeTruncated, "varuint at %d", pos)
	}
	b := buf[pos]
	if b < 0x80 {
		return uint64(b), pos + 1, nil
	}
	n := int(b & 0x7f)
	if n == 0 {
		return 0, pos, decodeErr(DecodeNonCanonical, "zero-length varuint at %d", pos)
	}
	if n > 8 {
		// Would not fit in 64 bits.
		return 0, pos, decodeErr(DecodeNonCanonical, "%d-byte varuint at %d", n, pos)
	}
	if pos+1+n > len(buf) {
		return 0, pos, decodeErr(DecodeTruncated, "varuint body at %d", pos)
	}
	body := buf[pos+1 : pos+1+n]
	if body[0] == 0 {
		return 0, pos, decodeErr(DecodeNonCanonical, "leading zero byte at %d", pos)
	}
	var v uint64
	for _, c := range body {
		v = v<<8 | uint64(c)
	}
	if v < 0x80 {
		return 0, pos, decodeErr(DecodeNonCanonical, "over-long varuint at %d", pos)
	}
	return v, pos + 1 + n, nil
}

// readBytes reads a varuint length prefix and that many bytes, enforcing the
// per-field cap.
func readBytes(buf []byte, pos int, max uint64) ([]byte, int, *DecodeError) {
	if max == 0 || max > MaxFieldLen {
		max = MaxFieldLen
	}
	n, pos, derr := readVarUint(buf, pos)
	if derr != nil {
		return nil, pos, derr
	}
	if n > max {
		return nil, pos, decodeErr(DecodeFieldTooLong, "field of %d bytes at %d", n, pos)
	}
	if pos+int(n) > len(buf) {
		return nil, pos, decodeErr(DecodeTruncated, "field body at %d", pos)
	}
	out := make([]byte, n)
	copy(out, buf[pos:pos+int(n)])
	return out, pos + int(n), nil
}

func appendBytes(dst, field []byte) []byte {
	dst = appendVarUint(dst, uint64(len(field)))
	return append(dst, field...)
}

// -----------------------------------------------------------------------------
// Packet encoding
// -----------------------------------------------------------------------------

// EncodePacket serializes any of the three packet kinds. Encoding a
// validly-constructed packet cannot fail.
func EncodePacket(p Packet) []byte {
	switch pkt := p.(type) {
	case *PreparePacket:
		return EncodePrepare(pkt)
	case *FulfillPacket:
		return EncodeFulfill(pkt)
	case *RejectPacket:
		return EncodeReject(pkt)
	}
	// The Packet interface is closed over the three kinds above.
	return nil
}

func EncodePrepare(p *PreparePacket) []byte {
	body := make([]byte, 0, 64+len(p.Data))
	body = appendVarUint(body, p.Amount)
	body = appendVarUint(body, uint64(p.ExpiresAt.UnixMilli()))
	body = appendBytes(body, []byte(p.Destination))
	body = append(body, p.ExecutionCondition[:]...)
	body = appendBytes(body, p.Data)
	return wrapBody(TypePrepare, body)
}

func EncodeFulfill(p *FulfillPacket) []byte {
	body := make([]byte, 0, 40+len(p.Data))
	body = append(body, p.Fulfillment[:]...)
	body = appendBytes(body, p.Data)
	return wrapBody(TypeFulfill, body)
}

func EncodeReject(p *RejectPacket) []byte {
	body := make([]byte, 0, 16+len(p.Message)+len(p.Data))
	body = appendBytes(body, []byte(p.Code))
	body = appendBytes(body, []byte(p.TriggeredBy))
	body = appendBytes(body, []byte(p.Message))
	body = appendBytes(body, p.Data)
	return wrapBody(TypeReject, body)
}

func wrapBody(tag byte, body []byte) []byte {
	out := make([]byte, 0, 2+9+len(body))
	out = append(out, tag)
	out = appendVarUint(out, uint64(len(body)))
	return append(out, body...)
}

// -----------------------------------------------------------------------------
// Packet decoding
// -----------------------------------------------------------------------------

// DecodePacket parses one complete packet. Trailing bytes after the packet
// are an error, as is any malformed input; it never panics.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, decodeErr(DecodeTruncated, "empty input")
	}
	tag := buf[0]
	bodyLen, pos, derr := readVarUint(buf, 1)
	if derr != nil {
		return nil, derr
	}
	if bodyLen > MaxFieldLen {
		return nil, decodeErr(DecodeFieldTooLong, "body of %d bytes", bodyLen)
	}
	end := pos + int(bodyLen)
	if end > len(buf) {
		return nil, decodeErr(DecodeTruncated, "body wants %d bytes, have %d", bodyLen, len(buf)-pos)
	}
	if end < len(buf) {
		return nil, decodeErr(DecodeTruncated, "%d trailing bytes", len(buf)-end)
	}
	body := buf[pos:end]
	switch tag {
	case TypePrepare:
		return decodePrepare(body)
	case TypeFulfill:
		return decodeFulfill(body)
	case TypeReject:
		return decodeReject(body)
	}
	return nil, decodeErr(DecodeUnknownType, "tag 0x%02x", tag)
}

func decodePrepare(body []byte) (*PreparePacket, error) {
	amount, pos, derr := readVarUint(body, 0)
	if derr != nil {
		return nil, derr
	}
	expiresMilli, pos, derr := readVarUint(body, pos)
	if derr != nil {
		return nil, derr
	}
	dest, pos, derr := readBytes(body, pos, 1024)
	if derr != nil {
		return nil, derr
	}
	if err := ValidateAddress(Address(dest)); err != nil {
		return nil, decodeErr(DecodeBadAddress, "%v", err)
	}
	if pos+32 > len(body) {
		return nil, decodeErr(DecodeTruncated, "execution condition")
	}
	var cond [32]byte
	copy(cond[:], body[pos:pos+32])
	pos += 32
	data, pos, derr := readBytes(body, pos, MaxDataLen)
	if derr != nil {
		return nil, derr
	}
	if pos != len(body) {
		return nil, decodeErr(DecodeTruncated, "%d trailing body bytes", len(body)-pos)
	}
	return &PreparePacket{
		Amount:             amount,
		Destination:        Address(dest),
		ExecutionCondition: cond,
		ExpiresAt:          time.UnixMilli(int64(expiresMilli)).UTC(),
		Data:               data,
	}, nil
}

func decodeFulfill(body []byte) (*FulfillPacket, error) {
	if len(body) < 32 {
		return nil, decodeErr(DecodeTruncated, "fulfillment")
	}
	var f [32]byte
	copy(f[:], body[:32])
	data, pos, derr := readBytes(body, 32, MaxDataLen)
	if derr != nil {
		return nil, derr
	}
	if pos != len(body) {
		return nil, decodeErr(DecodeTruncated, "%d trailing body bytes", len(body)-pos)
	}
	return &FulfillPacket{Fulfillment: f, Data: data}, nil
}

func decodeReject(body []byte) (*RejectPacket, error) {
	code, pos, derr := readBytes(body, 0, 8)
	if derr != nil {
		return nil, derr
	}
	if !ErrorCode(code).Valid() {
		return nil, decodeErr(DecodeUnknownType, "error code %q", code)
	}
	trig, pos, derr := readBytes(body, pos, 1024)
	if derr != nil {
		return nil, derr
	}
	// Empty triggeredBy is legal; the forwarding node stamps its own address.
	if len(trig) > 0 {
		if err := ValidateAddress(Address(trig)); err != nil {
			return nil, decodeErr(DecodeBadAddress, "%v", err)
		}
	}
	msg, pos, derr := readBytes(body, pos, MaxMessageLen)
	if derr != nil {
		return nil, derr
	}
	if !utf8.Valid(msg) {
		return nil, decodeErr(DecodeBadUTF8Message, "reject message")
	}
	data, pos, derr := readBytes(body, pos, MaxDataLen)
	if derr != nil {
		return nil, derr
	}
	if pos != len(body) {
		return nil, decodeErr(DecodeTruncated, "%d trailing body bytes", len(body)-pos)
	}
	return &RejectPacket{
		Code:        ErrorCode(code),
		TriggeredBy: Address(trig),
		Message:     string(msg),
		Data:        data,
	}, nil
}

// -----------------------------------------------------------------------------
// Envelope encoding
// -----------------------------------------------------------------------------

// EncodeEnvelope serializes the outer frame: type byte, big-endian request id,
// varuint entry count, then each entry as name, content type and payload.
func EncodeEnvelope(e *Envelope) []byte {
	out := make([]byte, 0, 16)
	out = append(out, e.FrameType)
	out = binary.BigEndian.AppendUint32(out, e.RequestID)
	out = appendVarUint(out, uint64(len(e.ProtocolData)))
	for _, entry := range e.ProtocolData {
		out = appendBytes(out, []byte(entry.Name))
		out = append(out, entry.ContentType)
		out = appendBytes(out, entry.Payload)
	}
	return out
}

// DecodeEnvelope parses one complete frame; trailing bytes are an error.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) < 5 {
		return nil, decodeErr(DecodeTruncated, "envelope header")
	}
	ft := buf[0]
	switch ft {
	case FrameResponse, FrameError, FrameMessage, FrameTransfer:
	default:
		return nil, decodeErr(DecodeUnknownType, "frame type 0x%02x", ft)
	}
	e := &Envelope{
		FrameType: ft,
		RequestID: binary.BigEndian.Uint32(buf[1:5]),
	}
	count, pos, derr := readVarUint(buf, 5)
	if derr != nil {
		return nil, derr
	}
	if count > 64 {
		return nil, decodeErr(DecodeFieldTooLong, "%d protocol entries", count)
	}
	for i := uint64(0); i < count; i++ {
		name, next, derr := readBytes(buf, pos, 256)
		if derr != nil {
			return nil, derr
		}
		pos = next
		if pos >= len(buf) {
			return nil, decodeErr(DecodeTruncated, "content type of entry %d", i)
		}
		ct := buf[pos]
		pos++
		payload, next, derr := readBytes(buf, pos, MaxFieldLen)
		if derr != nil {
			return nil, derr
		}
		pos = next
		e.ProtocolData = append(e.ProtocolData, ProtocolEntry{
			Name:        string(name),
			ContentType: ct,
			Payload:     payload,
		})
	}
	if pos != len(buf) {
		return nil, decodeErr(DecodeTruncated, "%d trailing bytes", len(buf)-pos)
	}
	return e, nil
}
