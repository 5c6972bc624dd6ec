// Package codec abstracts the HTTP/2 wire layer: frame parsing and
// serialization, HPACK, and window bookkeeping. The multiplexer consumes
// decoded Events and produces frames through the Codec interface without
// touching frame bytes itself.
package codec

import (
	"errors"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ErrStreamClosed is returned by SendData and EndStream when the peer has
// already closed or reset the stream. Callers are expected to drop the
// remaining payload silently; the peer said it no longer wants it.
var ErrStreamClosed = errors.New("codec: stream closed")

// Codec is the framing collaborator owned by a single connection.
// Implementations are safe for use from the connection's event loop and from
// per-stream handler goroutines concurrently.
type Codec interface {
	// ReceiveData consumes raw transport bytes and returns the decoded
	// events. A returned error is a protocol violation and is fatal to the
	// connection; any bytes queued by DataToSend (e.g. the final GOAWAY)
	// must still be flushed before the transport closes.
	ReceiveData(p []byte) ([]Event, error)

	// SendHeaders queues a HEADERS frame (with CONTINUATION as needed).
	SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error

	// SendData queues a DATA frame. The caller must keep len(p) within both
	// LocalFlowControlWindow and MaxOutboundFrameSize.
	SendData(streamID uint32, p []byte, endStream bool) error

	// EndStream queues an empty DATA frame carrying END_STREAM.
	EndStream(streamID uint32) error

	// ResetStream queues an RST_STREAM frame.
	ResetStream(streamID uint32, code http2.ErrCode) error

	// GoAway queues a GOAWAY frame announcing lastStreamID without moving
	// the codec into a closed state: streams at or below lastStreamID keep
	// their ability to send.
	GoAway(lastStreamID uint32, code http2.ErrCode) error

	// AcknowledgeReceivedData replenishes the connection-level receive
	// window by n bytes. Stream-level receive windows are deliberately left
	// alone; see the multiplexer's backpressure rules.
	AcknowledgeReceivedData(n uint32)

	// LocalFlowControlWindow reports how many payload bytes may currently be
	// sent on the stream: the minimum of the connection window and the
	// stream window. Zero or negative means the sender must wait.
	LocalFlowControlWindow(streamID uint32) int32

	// MaxOutboundFrameSize is the peer's advertised SETTINGS_MAX_FRAME_SIZE.
	MaxOutboundFrameSize() uint32

	// HighestInboundStreamID is the highest peer-initiated stream id for
	// which headers were accepted. Used as the GOAWAY last-stream-id.
	HighestInboundStreamID() uint32

	// DataToSend drains and returns the bytes queued for the transport.
	DataToSend() []byte
}
