// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	// RequestOverhead is the size of a store or relay request minus its
	// proof of work token and body.
	RequestOverhead = HeaderSize + 2 + 2

	// RelayLayerOverhead is the size of a decrypted relay layer minus the
	// next hop address and the inner payload.
	RelayLayerOverhead = 4 + 2 + 2

	// RetrieveRequestSize is the serialized size of a retrieve request.
	RetrieveRequestSize = HeaderSize + KeySize + 1

	// DeletionQuerySize is the serialized size of a deletion query.
	DeletionQuerySize = HeaderSize + KeySize

	// ResponseOverhead is the size of a response minus its payload.
	ResponseOverhead = HeaderSize + 1 + 2

	// EnvelopeOverhead is the size of the datagram envelope around a
	// packet.
	EnvelopeOverhead = len(envelopePrefix) + KeySize
)

var (
	ErrEnvelopePrefix = errors.New("packet: invalid envelope prefix")
	ErrRelayDelay     = errors.New("packet: relay delay out of range")
)

var envelopePrefix = [4]byte{'D', 'H', 'T', 'M'}

// StoreRequest asks the receiver to store a data packet in the DHT.
type StoreRequest struct {
	ProofOfWork []byte
	Data        DataPacket
}

func (p *StoreRequest) Type() Type {
	return TypeStoreRequest
}

func (p *StoreRequest) MarshalBinary() ([]byte, error) {
	data, err := p.Data.MarshalBinary()
	if err != nil {
		return nil, err
	}
	e := newEncoder(p.Type(), RequestOverhead+len(p.ProofOfWork)+len(data))
	e.bytes16(p.ProofOfWork)
	e.bytes16(data)
	return e.finish()
}

func decodeStoreRequest(b []byte) (Packet, error) {
	d := &decoder{b: b}
	pow := d.bytes16()
	data := d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	dp, err := DecodeData(data)
	if err != nil {
		return nil, err
	}
	return &StoreRequest{ProofOfWork: pow, Data: dp}, nil
}

// RelayRequest carries one encrypted relay layer to the next hop.
type RelayRequest struct {
	ProofOfWork []byte
	Ciphertext  []byte
}

func (p *RelayRequest) Type() Type {
	return TypeRelayRequest
}

func (p *RelayRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), RequestOverhead+len(p.ProofOfWork)+len(p.Ciphertext))
	e.bytes16(p.ProofOfWork)
	e.bytes16(p.Ciphertext)
	return e.finish()
}

func decodeRelayRequest(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &RelayRequest{}
	p.ProofOfWork = d.bytes16()
	p.Ciphertext = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// RelayLayer is the decrypted content of a relay request.  An empty NextHop
// marks the terminal layer, whose Inner is a serialized store request.
// Otherwise Inner is a serialized relay request for NextHop.
type RelayLayer struct {
	Delay   time.Duration
	NextHop []byte
	Inner   []byte
}

// IsTerminal returns true iff the layer ends the chain.
func (l *RelayLayer) IsTerminal() bool {
	return len(l.NextHop) == 0
}

// MarshalBinary serializes the layer.  Layers carry no packet header
// since they only exist inside a relay request ciphertext.
func (l *RelayLayer) MarshalBinary() ([]byte, error) {
	ms := l.Delay.Milliseconds()
	if ms < 0 || ms > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %v", ErrRelayDelay, l.Delay)
	}
	e := &encoder{buf: make([]byte, 0, RelayLayerOverhead+len(l.NextHop)+len(l.Inner))}
	e.u32(uint32(ms))
	e.bytes16(l.NextHop)
	e.bytes16(l.Inner)
	return e.finish()
}

// UnmarshalRelayLayer parses a decrypted relay layer.
func UnmarshalRelayLayer(b []byte) (*RelayLayer, error) {
	d := &decoder{b: b}
	l := &RelayLayer{}
	l.Delay = time.Duration(d.u32()) * time.Millisecond
	l.NextHop = d.bytes16()
	l.Inner = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

// RetrieveRequest asks a storage node for the packet of the given type
// stored under Key.
type RetrieveRequest struct {
	Key      Key
	DataType Type
}

func (p *RetrieveRequest) Type() Type {
	return TypeRetrieveRequest
}

func (p *RetrieveRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), RetrieveRequestSize)
	e.key(p.Key)
	e.u8(byte(p.DataType))
	return e.finish()
}

func decodeRetrieveRequest(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &RetrieveRequest{}
	p.Key = d.key()
	p.DataType = Type(d.u8())
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletionQuery asks a storage node whether Key was deleted, and with
// which authorization.
type DeletionQuery struct {
	Key Key
}

func (p *DeletionQuery) Type() Type {
	return TypeDeletionQuery
}

func (p *DeletionQuery) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), DeletionQuerySize)
	e.key(p.Key)
	return e.finish()
}

func decodeDeletionQuery(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &DeletionQuery{Key: d.key()}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// Status is the result code of a response packet.
type Status uint8

const (
	StatusOK Status = iota
	StatusGeneralError
	StatusNoDataFound
	StatusInvalidPacket
	StatusInvalidProofOfWork
	StatusNoDiskSpace
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGeneralError:
		return "GeneralError"
	case StatusNoDataFound:
		return "NoDataFound"
	case StatusInvalidPacket:
		return "InvalidPacket"
	case StatusInvalidProofOfWork:
		return "InvalidProofOfWork"
	case StatusNoDiskSpace:
		return "NoDiskSpace"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ResponsePacket is the reply to any request, correlated by the request id
// of the envelope it travels in.
type ResponsePacket struct {
	Status  Status
	Payload []byte
}

func (p *ResponsePacket) Type() Type {
	return TypeResponse
}

// Data decodes the payload, if any.
func (p *ResponsePacket) Data() (Packet, error) {
	if len(p.Payload) == 0 {
		return nil, nil
	}
	return Decode(p.Payload)
}

func (p *ResponsePacket) MarshalBinary() ([]byte, error) {
	e := newEncoder(p.Type(), ResponseOverhead+len(p.Payload))
	e.u8(uint8(p.Status))
	e.bytes16(p.Payload)
	return e.finish()
}

func decodeResponse(b []byte) (Packet, error) {
	d := &decoder{b: b}
	p := &ResponsePacket{}
	p.Status = Status(d.u8())
	p.Payload = d.bytes16()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewResponse builds a response carrying the serialization of payload,
// which may be nil.
func NewResponse(status Status, payload Packet) (*ResponsePacket, error) {
	r := &ResponsePacket{Status: status}
	if payload != nil {
		b, err := payload.MarshalBinary()
		if err != nil {
			return nil, err
		}
		r.Payload = b
	}
	return r, nil
}

// Envelope is a packet framed for the transport with a request id used to
// match responses to requests.
type Envelope struct {
	RequestID Key
	Packet    Packet
}

// NewRequestID returns a random request id.
func NewRequestID(rng io.Reader) (Key, error) {
	var id Key
	if _, err := io.ReadFull(rng, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func (e *Envelope) MarshalBinary() ([]byte, error) {
	b, err := e.Packet.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, EnvelopeOverhead+len(b))
	out = append(out, envelopePrefix[:]...)
	out = append(out, e.RequestID[:]...)
	return append(out, b...), nil
}

// UnmarshalEnvelope parses a transport datagram.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < EnvelopeOverhead {
		return nil, ErrTruncated
	}
	if !bytes.Equal(b[:len(envelopePrefix)], envelopePrefix[:]) {
		return nil, ErrEnvelopePrefix
	}
	e := &Envelope{}
	copy(e.RequestID[:], b[len(envelopePrefix):EnvelopeOverhead])
	p, err := Decode(b[EnvelopeOverhead:])
	if err != nil {
		return nil, err
	}
	e.Packet = p
	return e, nil
}

func init() {
	Register(TypeStoreRequest, decodeStoreRequest)
	Register(TypeRelayRequest, decodeRelayRequest)
	Register(TypeRetrieveRequest, decodeRetrieveRequest)
	Register(TypeDeletionQuery, decodeDeletionQuery)
	Register(TypeResponse, decodeResponse)
}
