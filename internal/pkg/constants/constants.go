// Package constants provides shared constants used across wdpool components.
package constants

// Session pool limits
const (
	// MaxSessions is the number of session slots in the pool.
	// It matches the number of user encapsulation entries the decoder exposes
	// (one binding table row per session index).
	MaxSessions = 16

	// UserEncapBase is the encapsulation identifier of binding table row 0.
	// Session index i decodes as encapsulation UserEncapBase+i when bound
	// through the registry (LINKTYPE_USER0 = 147).
	UserEncapBase = 147

	// EncapUnknown marks a session with no encapsulation bound.
	EncapUnknown = -1
)

// Protocol argument prefixes
const (
	// ProtoPrefix selects a payload decoder through the binding registry.
	ProtoPrefix = "proto:"

	// EncapPrefix selects a link-layer encapsulation directly.
	EncapPrefix = "encap:"

	// DefaultLinkType is used by create_session when no protocol is given and
	// the configuration does not override it.
	DefaultLinkType = "encap:1"
)

// Decode limits
const (
	// DefaultMaxPacketSize bounds the bytes accepted by one decode call.
	// Decode cost grows with packet length, so callers that need a time bound
	// cap the packet size instead.
	DefaultMaxPacketSize = 64 * 1024

	// ShowBufferSize caps the rendered text of a packet tree.
	ShowBufferSize = 65535
)

// Channel buffer sizes
//
// Buffer sizing follows two strategies:
//
//  1. Single-item buffers (size = 1) for OS signals and errors that must
//     never block the sender.
//  2. Medium buffers (size = 100) for per-worker packet queues in the CLI,
//     enough to absorb a burst from the pcap reader without unbounded growth.
const (
	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1

	// ErrorChannelBuffer is the buffer size for error reporting channels
	ErrorChannelBuffer = 1

	// WorkerQueueBuffer is the per-worker packet queue size
	WorkerQueueBuffer = 100

	// OutputQueueBuffer is the buffer between workers and the output writer
	OutputQueueBuffer = 1000
)
