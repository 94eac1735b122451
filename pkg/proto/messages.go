// Package proto defines the safmesh wire format.
//
// Every message is a fixed 29-byte header followed by a kind-specific payload.
// All integers are big-endian.
//
//	[1 kind][4 payload len][4 id][4 response-to][8 sent-at ms][8 original sent-at ms][payload]
//
// Request payload:  [2 item id][1 reallocation]
// Response payload: [2 item id][1 reallocation][4 data size]
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the message shape.
type Kind uint8

const (
	KindUnknown  Kind = 0
	KindRequest  Kind = 1
	KindResponse Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Sizes
const (
	HeaderSize          = 29
	RequestPayloadSize  = 3
	ResponsePayloadSize = 7
	RequestSize         = HeaderSize + RequestPayloadSize
	ResponseSize        = HeaderSize + ResponsePayloadSize
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed message")

// Header is the fixed prefix of every message.
type Header struct {
	Kind           Kind
	PayloadLen     uint32
	ID             uint32
	ResponseTo     uint32 // 0 for requests
	SentAt         int64  // milliseconds of virtual time
	OriginalSentAt int64  // echoed request sent-at on responses
}

// RequestPayload asks peers for one item.
type RequestPayload struct {
	ItemID       uint16
	Reallocation bool
}

// ResponsePayload carries the responder's item size. Item bytes are never sent.
type ResponsePayload struct {
	ItemID       uint16
	Reallocation bool
	DataSize     uint32
}

// Message is a decoded packet. Exactly one of Request or Response is set.
type Message struct {
	Header   Header
	Request  *RequestPayload
	Response *ResponsePayload
}

// NewRequest builds a request message.
func NewRequest(id uint32, sentAt time.Duration, itemID uint16, reallocation bool) *Message {
	return &Message{
		Header: Header{
			Kind:       KindRequest,
			PayloadLen: RequestPayloadSize,
			ID:         id,
			SentAt:     sentAt.Milliseconds(),
		},
		Request: &RequestPayload{ItemID: itemID, Reallocation: reallocation},
	}
}

// NewResponse builds a response to req.
func NewResponse(id uint32, sentAt time.Duration, req *Message, dataSize uint32) *Message {
	return &Message{
		Header: Header{
			Kind:           KindResponse,
			PayloadLen:     ResponsePayloadSize,
			ID:             id,
			ResponseTo:     req.Header.ID,
			SentAt:         sentAt.Milliseconds(),
			OriginalSentAt: req.Header.SentAt,
		},
		Response: &ResponsePayload{
			ItemID:       req.Request.ItemID,
			Reallocation: req.Request.Reallocation,
			DataSize:     dataSize,
		},
	}
}

// ItemID returns the item the message refers to.
func (m *Message) ItemID() uint16 {
	switch {
	case m.Request != nil:
		return m.Request.ItemID
	case m.Response != nil:
		return m.Response.ItemID
	}
	return 0
}

// Reallocation reports whether the message belongs to a reallocation exchange.
func (m *Message) Reallocation() bool {
	switch {
	case m.Request != nil:
		return m.Request.Reallocation
	case m.Response != nil:
		return m.Response.Reallocation
	}
	return false
}

// Marshal serializes the message. The payload length field is derived from the kind.
func (m *Message) Marshal() ([]byte, error) {
	var buf []byte
	switch m.Header.Kind {
	case KindRequest:
		if m.Request == nil || m.Response != nil {
			return nil, fmt.Errorf("request message needs exactly a request payload")
		}
		buf = make([]byte, RequestSize)
		marshalHeader(buf, &m.Header, RequestPayloadSize)
		p := buf[HeaderSize:]
		binary.BigEndian.PutUint16(p[0:2], m.Request.ItemID)
		p[2] = boolByte(m.Request.Reallocation)
	case KindResponse:
		if m.Response == nil || m.Request != nil {
			return nil, fmt.Errorf("response message needs exactly a response payload")
		}
		buf = make([]byte, ResponseSize)
		marshalHeader(buf, &m.Header, ResponsePayloadSize)
		p := buf[HeaderSize:]
		binary.BigEndian.PutUint16(p[0:2], m.Response.ItemID)
		p[2] = boolByte(m.Response.Reallocation)
		binary.BigEndian.PutUint32(p[3:7], m.Response.DataSize)
	default:
		return nil, fmt.Errorf("cannot marshal message kind %d", m.Header.Kind)
	}
	return buf, nil
}

func marshalHeader(buf []byte, h *Header, payloadLen uint32) {
	buf[0] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[1:5], payloadLen)
	binary.BigEndian.PutUint32(buf[5:9], h.ID)
	binary.BigEndian.PutUint32(buf[9:13], h.ResponseTo)
	binary.BigEndian.PutUint64(buf[13:21], uint64(h.SentAt))
	binary.BigEndian.PutUint64(buf[21:29], uint64(h.OriginalSentAt))
}

// UnmarshalHeader parses the fixed header.
func UnmarshalHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: packet too short: %d < %d", ErrMalformed, len(data), HeaderSize)
	}
	return &Header{
		Kind:           Kind(data[0]),
		PayloadLen:     binary.BigEndian.Uint32(data[1:5]),
		ID:             binary.BigEndian.Uint32(data[5:9]),
		ResponseTo:     binary.BigEndian.Uint32(data[9:13]),
		SentAt:         int64(binary.BigEndian.Uint64(data[13:21])),
		OriginalSentAt: int64(binary.BigEndian.Uint64(data[21:29])),
	}, nil
}

// Unmarshal decodes a full message.
func Unmarshal(data []byte) (*Message, error) {
	h, err := UnmarshalHeader(data)
	if err != nil {
		return nil, err
	}

	var want uint32
	switch h.Kind {
	case KindRequest:
		want = RequestPayloadSize
	case KindResponse:
		want = ResponsePayloadSize
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, h.Kind)
	}
	if h.PayloadLen != want {
		return nil, fmt.Errorf("%w: %s payload length %d, want %d", ErrMalformed, h.Kind, h.PayloadLen, want)
	}
	if got := len(data) - HeaderSize; got != int(want) {
		return nil, fmt.Errorf("%w: %s payload has %d bytes, want %d", ErrMalformed, h.Kind, got, want)
	}

	p := data[HeaderSize:]
	realloc, err := byteBool(p[2])
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Kind == KindRequest {
		m.Request = &RequestPayload{
			ItemID:       binary.BigEndian.Uint16(p[0:2]),
			Reallocation: realloc,
		}
	} else {
		m.Response = &ResponsePayload{
			ItemID:       binary.BigEndian.Uint16(p[0:2]),
			Reallocation: realloc,
			DataSize:     binary.BigEndian.Uint32(p[3:7]),
		}
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func byteBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: reallocation flag %d", ErrMalformed, b)
}
