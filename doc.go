// Package eventbroker is the server-side core of a distributed supervision
// platform: the broker that receives check results streamed by remote
// pollers, routes them through an in-process multiplexing bus, durably
// persists them into an operational SQL database and re-emits derived
// perfdata events toward the RRD graphing writer.
//
// The module is organized around four subsystems:
//
//   - events + bbdo: the event type registry and the self-describing,
//     versioned, length-prefixed binary framing spoken on every wire link,
//     including version negotiation and the acknowledgement protocol.
//   - mux + bus + spool: the multiplexing fabric; every subscriber owns a
//     muxer combining an in-memory queue with an on-disk splitter for
//     overflow and crash retention.
//   - processing + transport: the endpoint runtime; one worker per
//     configured endpoint drives a reconnect/failover state machine over a
//     byte-stream transport (TCP, WebSocket, NATS sink, in-memory).
//   - storage/sqlstore: the SQL persister; a pool of ordered connections
//     with action-mask barriers, entity caches, staged bulk loads and the
//     perfdata derivation path.
//
// cmd/eventbroker wires the subsystems together from a JSON configuration
// and manages their lifecycle.
package eventbroker
