package bbdo

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/transport"
)

// StreamConfig tunes a BBDO stream.
type StreamConfig struct {
	Registry *events.Registry
	Logger   *slog.Logger

	// Name labels the stream in logs, usually the endpoint name.
	Name string

	// MaxFrameSize caps an accepted frame. Values above the 16-bit size
	// field allow (64 KiB payload) are clamped.
	MaxFrameSize uint32

	// AckInterval is the number of consumed events between two ack frames.
	AckInterval uint32

	// Extensions announces optional capabilities (ExtensionZlib).
	Extensions uint32

	// SourceID stamps outgoing frames with this broker's id.
	SourceID uint32
}

// Stream frames events over a transport stream: version negotiation first,
// then data frames interleaved with ack control frames.
type Stream struct {
	raw transport.Stream
	rw  io.ReadWriter // raw, or the zlib layer once negotiated
	cfg StreamConfig

	negotiated bool
	peerMajor  uint32
	effExt     uint32

	buf []byte // undecoded bytes already read from the wire

	unackedIn    uint32 // events consumed since the last ack we sent
	peerAcked    uint32 // events the peer confirmed, not yet collected
	chksumErrors int    // consecutive checksum failures
}

// checksumErrorThreshold tears the connection down when this many frames in
// a row fail verification.
const checksumErrorThreshold = 10

// NewStream wraps an established transport stream. Negotiate must succeed
// before events flow.
func NewStream(raw transport.Stream, cfg StreamConfig) *Stream {
	if cfg.MaxFrameSize == 0 || cfg.MaxFrameSize > 0xffff+HeaderSize {
		cfg.MaxFrameSize = 0xffff + HeaderSize
	}
	if cfg.AckInterval == 0 {
		cfg.AckInterval = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stream{raw: raw, rw: raw, cfg: cfg}
}

// Negotiate performs the version exchange: each side sends a
// version_response frame before any data. Major mismatch is fatal.
func (s *Stream) Negotiate(timeout time.Duration) error {
	vr := &events.VersionResponse{
		Major:      VersionMajor,
		Minor:      VersionMinor,
		Patch:      VersionPatch,
		Extensions: s.cfg.Extensions,
	}
	vr.EventType = events.TypeVersionResponse
	vr.Source = s.cfg.SourceID
	if err := s.writeEvent(vr); err != nil {
		return errors.WrapTransient(err, "bbdo", "Negotiate", "send version")
	}

	deadline := time.Now().Add(timeout)
	for !s.negotiated {
		ev, err := s.readEvent(time.Until(deadline))
		if err != nil {
			if transport.IsTimeout(err) {
				return errors.WrapTransient(errors.ErrConnectionTimeout, "bbdo", "Negotiate", "await version")
			}
			return err
		}
		peer, ok := ev.(*events.VersionResponse)
		if !ok {
			// Data before negotiation is a protocol violation.
			return errors.WrapInvalid(errors.ErrInvalidData, "bbdo", "Negotiate", "unexpected frame before version")
		}
		s.peerMajor = peer.Major
		if peer.Major != VersionMajor {
			return errors.WrapFatal(
				fmt.Errorf("local %d, peer %d: %w", VersionMajor, peer.Major, errors.ErrVersionMismatch),
				"bbdo", "Negotiate", "version check")
		}
		s.effExt = s.cfg.Extensions & peer.Extensions
		s.negotiated = true
	}

	if s.effExt&events.ExtensionZlib != 0 {
		s.enableCompression()
		s.cfg.Logger.Debug("bbdo compression negotiated", "stream", s.cfg.Name)
	}
	return nil
}

// Read returns the next data event, handling control frames internally. It
// returns a timeout error (transport.IsTimeout) when no complete frame
// arrives within the poll window.
func (s *Stream) Read(timeout time.Duration) (events.Event, error) {
	if !s.negotiated {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "bbdo", "Read", "negotiate first")
	}
	deadline := time.Now().Add(timeout)
	for {
		ev, err := s.readEvent(time.Until(deadline))
		if err != nil {
			if err == errors.ErrChecksumFailed {
				s.chksumErrors++
				if s.chksumErrors >= checksumErrorThreshold {
					return nil, errors.WrapFatal(err, "bbdo", "Read", "too many checksum failures")
				}
				continue
			}
			return nil, err
		}
		s.chksumErrors = 0
		switch ce := ev.(type) {
		case *events.VersionResponse:
			continue // late duplicate, ignore
		case *events.Ack:
			s.peerAcked += ce.AcknowledgedEvents
			continue
		case *events.Stop:
			return nil, errors.ErrStreamShutdown
		case nil:
			continue // skipped frame (unknown type)
		default:
			s.unackedIn++
			if s.unackedIn >= s.cfg.AckInterval {
				if err := s.sendAck(); err != nil {
					return nil, err
				}
			}
			return ev, nil
		}
	}
}

// Write frames and sends one event.
func (s *Stream) Write(ev events.Event) error {
	if !s.negotiated {
		return errors.WrapInvalid(errors.ErrNotStarted, "bbdo", "Write", "negotiate first")
	}
	return s.writeEvent(ev)
}

// TakeAcked returns the number of events the peer has confirmed since the
// last call, resetting the counter. The endpoint worker advances its muxer by
// this amount.
func (s *Stream) TakeAcked() uint32 {
	n := s.peerAcked
	s.peerAcked = 0
	return n
}

// SendAck forces an ack frame for all events consumed so far.
func (s *Stream) SendAck() error {
	if s.unackedIn == 0 {
		return nil
	}
	return s.sendAck()
}

// Close flushes a final ack and closes the transport.
func (s *Stream) Close() error {
	if s.negotiated && s.unackedIn > 0 {
		_ = s.sendAck()
	}
	if fl, ok := s.rw.(interface{ Flush() error }); ok {
		_ = fl.Flush()
	}
	return s.raw.Close()
}

func (s *Stream) sendAck() error {
	ack := &events.Ack{AcknowledgedEvents: s.unackedIn}
	ack.EventType = events.TypeAck
	ack.Source = s.cfg.SourceID
	if err := s.writeEvent(ack); err != nil {
		return err
	}
	s.unackedIn = 0
	return nil
}

func (s *Stream) writeEvent(ev events.Event) error {
	frame, err := EncodeFrame(s.cfg.Registry, ev)
	if err != nil {
		return err
	}
	if _, err := s.rw.Write(frame); err != nil {
		return errors.WrapTransient(err, "bbdo", "Write", "send frame")
	}
	if fl, ok := s.rw.(interface{ Flush() error }); ok {
		if err := fl.Flush(); err != nil {
			return errors.WrapTransient(err, "bbdo", "Write", "flush frame")
		}
	}
	return nil
}

// readEvent decodes the next frame, resynchronizing on checksum mismatch by
// scanning one byte forward. It returns (nil, nil) for frames of unknown
// type so the caller can count and skip them.
func (s *Stream) readEvent(timeout time.Duration) (events.Event, error) {
	for {
		// A full header, then a full frame, must be buffered.
		for len(s.buf) < HeaderSize {
			if err := s.fill(timeout); err != nil {
				return nil, err
			}
		}
		h, err := ParseHeader(s.buf)
		if err != nil {
			return nil, err
		}
		// A frame start must carry a known category; anything else is
		// misaligned garbage, skipped byte by byte without waiting for the
		// bogus payload size it announces.
		switch h.Type.Category() {
		case events.CategoryNEB, events.CategoryBBDO, events.CategoryStorage:
		default:
			s.buf = s.buf[1:]
			continue
		}
		total := HeaderSize + int(h.Size)
		if uint32(total) > s.cfg.MaxFrameSize {
			return nil, errors.WrapFatal(
				fmt.Errorf("%d bytes: %w", total, errors.ErrFrameTooLarge),
				"bbdo", "Read", "frame size check")
		}
		for len(s.buf) < total {
			if err := s.fill(timeout); err != nil {
				return nil, err
			}
		}

		frame := s.buf[:total]
		if !VerifyFrame(frame) {
			// Bad checksum: drop one byte and scan forward for the next
			// plausible frame start.
			s.buf = s.buf[1:]
			s.cfg.Logger.Warn("bbdo checksum mismatch, resyncing", "stream", s.cfg.Name)
			return nil, errors.ErrChecksumFailed
		}

		payload := frame[HeaderSize:]
		s.buf = s.buf[total:]

		ev, err := DecodePayload(s.cfg.Registry, h, payload)
		if err != nil {
			if errors.IsInvalid(err) {
				s.cfg.Logger.Warn("skipping undecodable frame",
					"stream", s.cfg.Name, "type", h.Type.String(), "error", err)
				return nil, nil
			}
			return nil, err
		}
		return ev, nil
	}
}

// fill reads more bytes from the wire into the buffer, bounded by timeout.
func (s *Stream) fill(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if err := s.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return errors.WrapTransient(err, "bbdo", "Read", "set deadline")
	}
	tmp := make([]byte, 64*1024)
	n, err := s.rw.Read(tmp)
	if n > 0 {
		s.buf = append(s.buf, tmp[:n]...)
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}
