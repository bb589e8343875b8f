// Package bbdo implements the self-describing binary framing used between
// pollers and broker and between broker nodes: length-prefixed frames with a
// CRC-16 checksum, version negotiation at connect time, and an event
// acknowledgement protocol.
package bbdo

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
)

// HeaderSize is the fixed size of a frame header:
// [checksum:16][size:16][type:32][source:32][destination:32].
const HeaderSize = 16

// DefaultMaxFrameSize caps a single frame at 16 MiB.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Protocol version spoken by this implementation.
const (
	VersionMajor uint32 = 2
	VersionMinor uint32 = 0
	VersionPatch uint32 = 0
)

// crc16CCITT computes the CRC-16/CCITT-FALSE checksum used by the frame
// header.
func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame serializes ev into a full wire frame using the registry entry
// of its type id.
func EncodeFrame(reg *events.Registry, ev events.Event) ([]byte, error) {
	entry, ok := reg.Lookup(ev.Type())
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("type %s: %w", ev.Type(), errors.ErrUnknownEventType),
			"bbdo", "EncodeFrame", "registry lookup")
	}
	payload, err := entry.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0xffff {
		return nil, errors.WrapFatal(
			fmt.Errorf("payload of %s is %d bytes: %w", entry.Name, len(payload), errors.ErrFrameTooLarge),
			"bbdo", "EncodeFrame", "size check")
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	binary.BigEndian.PutUint32(frame[4:], uint32(ev.Type()))
	binary.BigEndian.PutUint32(frame[8:], ev.SourceID())
	binary.BigEndian.PutUint32(frame[12:], ev.DestinationID())
	copy(frame[HeaderSize:], payload)
	// The checksum covers everything after itself: the rest of the header
	// and the payload.
	binary.BigEndian.PutUint16(frame[0:], crc16CCITT(frame[2:]))
	return frame, nil
}

// Header is a decoded frame header.
type Header struct {
	Checksum    uint16
	Size        uint16
	Type        events.Type
	Source      uint32
	Destination uint32
}

// ParseHeader splits a frame header into its fields without verifying the
// checksum; verification needs the payload too (VerifyFrame).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.ErrTruncatedFrame
	}
	return Header{
		Checksum:    binary.BigEndian.Uint16(buf[0:]),
		Size:        binary.BigEndian.Uint16(buf[2:]),
		Type:        events.Type(binary.BigEndian.Uint32(buf[4:])),
		Source:      binary.BigEndian.Uint32(buf[8:]),
		Destination: binary.BigEndian.Uint32(buf[12:]),
	}, nil
}

// VerifyFrame checks the checksum of a complete frame (header + payload).
func VerifyFrame(frame []byte) bool {
	if len(frame) < HeaderSize {
		return false
	}
	return crc16CCITT(frame[2:]) == binary.BigEndian.Uint16(frame[0:])
}

// DecodePayload deserializes the payload of a verified header. An
// unregistered type id returns ErrUnknownEventType; the frame is skipped, the
// connection lives on.
func DecodePayload(reg *events.Registry, h Header, payload []byte) (events.Event, error) {
	entry, ok := reg.Lookup(h.Type)
	if !ok {
		return nil, errors.ErrUnknownEventType
	}
	ev, err := entry.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	hdr := ev.Hdr()
	hdr.Source = h.Source
	hdr.Destination = h.Destination
	return ev, nil
}
