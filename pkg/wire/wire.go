// Package wire defines the envelope model exchanged between lattice peers and
// its encoding: CBOR bodies carried in length-prefixed frames over TCP.
package wire

import (
	"github.com/google/uuid"
)

// ServiceType identifies the logical service an envelope belongs to. Every
// envelope is routed to the single handler registered for its service type.
type ServiceType uint16

const (
	ServiceUnknown ServiceType = iota

	// ServiceCore carries the built-in link protocol: hello handshakes and
	// heartbeat pings/pongs.
	ServiceCore

	// ServiceTracking carries responses to tracked requests.
	ServiceTracking

	// ServiceUserBase is the first service type available to applications.
	// Types below it are reserved for the lattice protocol itself.
	ServiceUserBase ServiceType = 64
)

func (s ServiceType) String() string {
	switch s {
	case ServiceCore:
		return "core"
	case ServiceTracking:
		return "tracking"
	case ServiceUnknown:
		return "unknown"
	default:
		return "user"
	}
}

// Kind is the data-kind tag within a service. Unknown kinds within a known
// service are the owning handler's responsibility to reject.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindHello
	KindPing
	KindPong
	KindRequest
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Mode expresses in which role a peer offers a service, and doubles as the
// filter for broadcast target selection.
type Mode uint8

const (
	ModeClient Mode = iota + 1
	ModeServer
	ModeBoth
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBoth:
		return "both"
	default:
		return "invalid"
	}
}

// Matches reports whether an entry advertised with mode m is visible to a
// lookup using the given filter: CLIENT matches CLIENT and BOTH, SERVER
// matches SERVER and BOTH, BOTH matches all.
func (m Mode) Matches(filter Mode) bool {
	return m == filter || m == ModeBoth || filter == ModeBoth
}

// Envelope is one routed message. It is immutable once constructed; only the
// two tags and the correlation id are inspected by the routing layer, the
// payload is opaque to it.
type Envelope struct {
	Service       ServiceType `cbor:"1,keyasint"`
	Kind          Kind        `cbor:"2,keyasint"`
	CorrelationID uuid.UUID   `cbor:"3,keyasint"`
	Payload       []byte      `cbor:"4,keyasint,omitempty"`
}

// Tracked reports whether the envelope carries a correlation id.
func (e *Envelope) Tracked() bool {
	return e.CorrelationID != uuid.Nil
}

// ServiceOffer is one (service, mode) pair a peer advertises in its hello.
type ServiceOffer struct {
	Service ServiceType `cbor:"1,keyasint"`
	Mode    Mode        `cbor:"2,keyasint"`
}

// Hello is the handshake body each side sends as its first envelope.
type Hello struct {
	Node     string         `cbor:"1,keyasint"`
	Services []ServiceOffer `cbor:"2,keyasint,omitempty"`
}

// Heartbeat is the ping/pong body: a monotonic millisecond timestamp taken by
// the pinging side and echoed back untouched by the ponging side.
type Heartbeat struct {
	Timestamp uint64 `cbor:"1,keyasint"`
}

// NewHello builds a hello envelope advertising the given services.
func NewHello(node string, services []ServiceOffer) (*Envelope, error) {
	payload, err := Marshal(&Hello{Node: node, Services: services})
	if err != nil {
		return nil, err
	}
	return &Envelope{Service: ServiceCore, Kind: KindHello, Payload: payload}, nil
}

// NewPing builds a ping envelope carrying the given millisecond timestamp.
func NewPing(timestamp uint64) *Envelope {
	return heartbeatEnvelope(KindPing, timestamp)
}

// NewPong builds a pong envelope echoing the given millisecond timestamp.
func NewPong(timestamp uint64) *Envelope {
	return heartbeatEnvelope(KindPong, timestamp)
}

func heartbeatEnvelope(kind Kind, timestamp uint64) *Envelope {
	payload, err := Marshal(&Heartbeat{Timestamp: timestamp})
	if err != nil {
		// Heartbeat is a fixed single-field struct, encoding cannot fail.
		panic(err)
	}
	return &Envelope{Service: ServiceCore, Kind: kind, Payload: payload}
}

// Timestamp decodes a ping/pong payload.
func Timestamp(e *Envelope) (uint64, error) {
	var hb Heartbeat
	if err := Unmarshal(e.Payload, &hb); err != nil {
		return 0, err
	}
	return hb.Timestamp, nil
}
