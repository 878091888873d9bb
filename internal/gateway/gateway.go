// Package gateway owns the transport layer: it accepts WebSocket
// connections, assigns each one an opaque handle, and shuttles raw frames
// between the socket and the hub. The hub never touches a connection
// directly and the gateway never inspects payload semantics.
package gateway

// Status is the outcome of a delivery attempt.
type Status int

const (
	// Ok means the payload was written to the connection.
	Ok Status = iota
	// Gone means no live connection exists for the handle.
	Gone
	// Error means the connection exists but the write failed; the
	// connection is closed as a side effect.
	Error
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Gone:
		return "gone"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Gateway delivers payloads to live connections by handle.
type Gateway interface {
	// Deliver writes a payload to the connection behind handle.
	// Fire-and-forget: callers get a Status, never an error to retry.
	Deliver(handle string, payload []byte) Status
	// CloseHandle tears down the connection behind handle, if any. The
	// sink's HandleDisconnect fires as the read loop unwinds.
	CloseHandle(handle string)
}

// EventSink receives transport events from the gateway. HandleFrame and
// HandleDisconnect for one handle are invoked sequentially from that
// connection's read loop; events for different handles arrive
// concurrently.
type EventSink interface {
	HandleConnect(handle string)
	HandleFrame(handle string, frame []byte)
	HandleDisconnect(handle string)
}
