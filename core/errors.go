package core

import (
	"errors"
	"fmt"
)

// ErrorCode is a three-byte ILP error code. F-codes are final, T-codes
// temporary, R-codes relative to the transfer's timeout.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "F00"
	CodeInvalidPacket       ErrorCode = "F01"
	CodeUnreachable         ErrorCode = "F02"
	CodeInvalidAmount       ErrorCode = "F03"
	CodeUnexpectedPayment   ErrorCode = "F06"
	CodeApplicationError    ErrorCode = "F99"
	CodeInternalError       ErrorCode = "T00"
	CodePeerUnreachable     ErrorCode = "T01"
	CodePeerBusy            ErrorCode = "T02"
	CodeConnectorBusy       ErrorCode = "T03"
	CodeInsufficientLiquid  ErrorCode = "T04"
	CodeTransferTimedOut    ErrorCode = "R00"
	CodeInsufficientAmount  ErrorCode = "R01"
	CodeInsufficientTimeout ErrorCode = "R02"
	CodeBadFulfillment      ErrorCode = "R99"
)

var errorNames = map[ErrorCode]string{
	CodeBadRequest:          "BAD_REQUEST",
	CodeInvalidPacket:       "INVALID_PACKET",
	CodeUnreachable:         "UNREACHABLE",
	CodeInvalidAmount:       "INVALID_AMOUNT",
	CodeUnexpectedPayment:   "UNEXPECTED_PAYMENT",
	CodeApplicationError:    "APPLICATION_ERROR",
	CodeInternalError:       "INTERNAL_ERROR",
	CodePeerUnreachable:     "PEER_UNREACHABLE",
	CodePeerBusy:            "PEER_BUSY",
	CodeConnectorBusy:       "CONNECTOR_BUSY",
	CodeInsufficientLiquid:  "INSUFFICIENT_LIQUIDITY",
	CodeTransferTimedOut:    "TRANSFER_TIMED_OUT",
	CodeInsufficientAmount:  "INSUFFICIENT_SOURCE_AMOUNT",
	CodeInsufficientTimeout: "INSUFFICIENT_TIMEOUT",
	CodeBadFulfillment:      "INVALID_FULFILLMENT",
}

// Name returns the symbolic name for the code, or "UNKNOWN".
func (c ErrorCode) Name() string {
	if n, ok := errorNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Valid reports whether the code has the [FTR]nn shape.
func (c ErrorCode) Valid() bool {
	if len(c) != 3 {
		return false
	}
	switch c[0] {
	case 'F', 'T', 'R':
	default:
		return false
	}
	return c[1] >= '0' && c[1] <= '9' && c[2] >= '0' && c[2] <= '9'
}

// Temporary reports whether the upstream peer may reasonably retry.
func (c ErrorCode) Temporary() bool {
	return len(c) == 3 && (c[0] == 'T' || c[0] == 'R')
}

// -----------------------------------------------------------------------------
// Transport-level errors
// -----------------------------------------------------------------------------

// Sentinel errors surfaced by PeerTransport.SendPacket and the registry.
// PacketHandler maps them onto reject codes.
var (
	ErrTimeout         = errors.New("transport: request timed out")
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	ErrPeerBusy        = errors.New("transport: peer busy")
	ErrUnauthenticated = errors.New("transport: authentication rejected")
	ErrClosed          = errors.New("transport: closed")
	ErrUnknownPeer     = errors.New("registry: unknown peer")
)

// -----------------------------------------------------------------------------
// Codec errors
// -----------------------------------------------------------------------------

// DecodeErrorKind classifies why a byte-string failed to decode.
type DecodeErrorKind string

const (
	DecodeTruncated       DecodeErrorKind = "TRUNCATED"
	DecodeNonCanonical    DecodeErrorKind = "NONCANONICAL_LENGTH"
	DecodeUnknownType     DecodeErrorKind = "UNKNOWN_TYPE"
	DecodeFieldTooLong    DecodeErrorKind = "FIELD_TOO_LONG"
	DecodeBadUTF8Message  DecodeErrorKind = "BAD_UTF8_IN_MESSAGE"
	DecodeBadAddress      DecodeErrorKind = "BAD_ADDRESS"
)

// DecodeError is returned by the codec for any malformed input. Decoding
// never panics.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode: %s", e.Kind)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsDecodeError unwraps err into a *DecodeError if it is one.
func AsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
