// Package protocol implements the LCP (Local Chat Protocol) wire format:
// fixed 50-byte headers, 25-byte responses, and message bodies exchanged
// over a shared UDP/TCP port.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	DefaultUDPPort = 9990
	DefaultTCPPort = 9990

	UserIDSize  = 20
	OpCodeSize  = 1
	BodyIDSize  = 1
	BodyLenSize = 8

	// HeaderSize is the on-wire header length. LCP v1.0 reserves a further
	// 50-byte tail for a 100-byte header; this implementation emits the
	// 50-byte frame only.
	HeaderSize = 2*UserIDSize + OpCodeSize + BodyIDSize + BodyLenSize

	responseReservedSize = 4

	ResponseSize = 1 + UserIDSize + responseReservedSize

	// TransferIDSize is the length of the big-endian transfer id a file
	// sender writes first on the TCP data channel.
	TransferIDSize = 8
)

type OpCode uint8

const (
	OpEcho    OpCode = 0
	OpMessage OpCode = 1
	OpFile    OpCode = 2
)

func (o OpCode) Valid() bool {
	return o == OpEcho || o == OpMessage || o == OpFile
}

func (o OpCode) String() string {
	switch o {
	case OpEcho:
		return "ECHO"
	case OpMessage:
		return "MESSAGE"
	case OpFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

type Status uint8

const (
	StatusOK            Status = 0
	StatusBadRequest    Status = 1
	StatusInternalError Status = 2
)

func (s Status) Valid() bool {
	return s == StatusOK || s == StatusBadRequest || s == StatusInternalError
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// UserID is the fixed 20-byte node identity. Shorter textual ids are
// right-padded with NUL; longer ones are truncated.
type UserID [UserIDSize]byte

// Broadcast is the sentinel destination addressing every node on the LAN.
var Broadcast = UserID{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

func NewUserID(s string) UserID {
	var id UserID
	copy(id[:], s)
	return id
}

// String returns the UTF-8 decoding of the non-NUL prefix.
func (u UserID) String() string {
	return string(bytes.TrimRight(u[:], "\x00"))
}

func (u UserID) IsBroadcast() bool {
	return u == Broadcast
}

func (u UserID) IsZero() bool {
	return u == UserID{}
}

// Header is the 50-byte control frame preceding every LCP operation.
// BodyLen is little-endian on the wire.
type Header struct {
	From    UserID
	To      UserID
	Op      OpCode
	BodyID  uint8
	BodyLen uint64
}

func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:UserIDSize], h.From[:])
	copy(buf[UserIDSize:2*UserIDSize], h.To[:])
	buf[40] = byte(h.Op)
	buf[41] = h.BodyID
	binary.LittleEndian.PutUint64(buf[42:50], h.BodyLen)
	return buf
}

// UnmarshalHeader decodes a header frame. It rejects short buffers but not
// unknown op codes: the receiver answers those with BadRequest instead of
// treating them as framing noise.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header is %d bytes, want %d: %w", len(data), HeaderSize, ErrShortFrame)
	}
	var h Header
	copy(h.From[:], data[0:UserIDSize])
	copy(h.To[:], data[UserIDSize:2*UserIDSize])
	h.Op = OpCode(data[40])
	h.BodyID = data[41]
	h.BodyLen = binary.LittleEndian.Uint64(data[42:50])
	return h, nil
}

// Response is the 25-byte acknowledgment: status, responder id and a
// reserved zero tail.
type Response struct {
	Status    Status
	Responder UserID
}

func (r Response) Marshal() []byte {
	buf := make([]byte, ResponseSize)
	buf[0] = byte(r.Status)
	copy(buf[1:1+UserIDSize], r.Responder[:])
	return buf
}

func UnmarshalResponse(data []byte) (Response, error) {
	if len(data) < ResponseSize {
		return Response{}, fmt.Errorf("response is %d bytes, want %d: %w", len(data), ResponseSize, ErrShortFrame)
	}
	var r Response
	r.Status = Status(data[0])
	copy(r.Responder[:], data[1:1+UserIDSize])
	if !r.Status.Valid() {
		return Response{}, fmt.Errorf("response status %d: %w", r.Status, ErrBadStatus)
	}
	return r, nil
}

// PackMessageBody prefixes the payload with the BodyID of its header so the
// receiver can correlate the two frames.
func PackMessageBody(bodyID uint8, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = bodyID
	copy(buf[1:], payload)
	return buf
}

func UnpackMessageBody(data []byte) (uint8, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty message body: %w", ErrShortFrame)
	}
	return data[0], data[1:], nil
}

// PackTransferID encodes the big-endian transfer id sent first on the TCP
// data channel of a file transfer.
func PackTransferID(bodyID uint8) []byte {
	buf := make([]byte, TransferIDSize)
	binary.BigEndian.PutUint64(buf, uint64(bodyID))
	return buf
}

func UnpackTransferID(data []byte) (uint8, error) {
	if len(data) < TransferIDSize {
		return 0, fmt.Errorf("transfer id is %d bytes, want %d: %w", len(data), TransferIDSize, ErrShortFrame)
	}
	return uint8(binary.BigEndian.Uint64(data)), nil
}
