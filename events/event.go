// Package events defines the event model of the broker: the type identifier
// space, the routing header shared by every event, the payload structs of the
// monitoring (neb) and perfdata (storage) categories, and the process-wide
// registry binding each type id to its wire codec.
//
// Most event kinds exist in two wire forms: a legacy flat-field form and a
// protobuf form (BBDO control frames are legacy only; severity, tag and the
// adaptive host/service updates are protobuf only). Both forms decode into
// the same Go struct; the registry
// entry records which codec a given type id uses, so handlers downstream
// never see the difference.
package events

// Header carries the routing information shared by all events. Payload
// structs embed it; codecs never serialize it (the BBDO frame header carries
// the same fields on the wire).
type Header struct {
	EventType   Type   `bbdo:"-" pb:"-"`
	Source      uint32 `bbdo:"-" pb:"-"`
	Destination uint32 `bbdo:"-" pb:"-"`
}

// Type returns the wire type id this event was decoded from or will be
// encoded as.
func (h *Header) Type() Type { return h.EventType }

// SourceID returns the id of the broker node the event originates from.
func (h *Header) SourceID() uint32 { return h.Source }

// DestinationID returns the id of the broker node the event is destined to,
// 0 meaning broadcast.
func (h *Header) DestinationID() uint32 { return h.Destination }

// Hdr returns the embedded header for mutation.
func (h *Header) Hdr() *Header { return h }

// Event is the unit flowing through every pipe of the broker. Payloads are
// treated as immutable once published.
type Event interface {
	Type() Type
	SourceID() uint32
	DestinationID() uint32
	Hdr() *Header
}
