package events

// Extension bits announced in VersionResponse.
const (
	ExtensionZlib uint32 = 1 << 0
)

// VersionResponse is the first frame of every connection; both sides send one
// before any data flows.
type VersionResponse struct {
	Header

	Major      uint32 `pb:"1"`
	Minor      uint32 `pb:"2"`
	Patch      uint32 `pb:"3"`
	Extensions uint32 `pb:"4"`
}

// Ack confirms consumption of events to the peer. The sender may drop
// confirmed events from its retention queue.
type Ack struct {
	Header

	AcknowledgedEvents uint32 `pb:"1"`
}

// Stop announces an orderly shutdown of the sending side.
type Stop struct {
	Header
}
