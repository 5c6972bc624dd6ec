package codec

import (
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Event is the closed set of connection events a Codec can produce.
// Dispatch is a type switch over these variants.
type Event interface {
	event()
}

// RequestReceived reports a complete request header block on a new stream.
type RequestReceived struct {
	StreamID uint32
	Headers  []hpack.HeaderField
}

// DataReceived carries a chunk of request body bytes.
type DataReceived struct {
	StreamID uint32
	Data     []byte
}

// StreamEnded reports the peer's END_STREAM flag: the request is complete.
type StreamEnded struct {
	StreamID uint32
}

// StreamReset reports an RST_STREAM from the peer.
type StreamReset struct {
	StreamID uint32
	Code     http2.ErrCode
}

// WindowUpdated reports a send-window grant. StreamID 0 means the
// connection-level window changed and every blocked stream should recheck.
type WindowUpdated struct {
	StreamID uint32
	Delta    int32
}

// SettingsChanged reports a peer SETTINGS frame that was applied.
// InitialWindowChanged is true when SETTINGS_INITIAL_WINDOW_SIZE moved,
// which can open windows for every stream at once.
type SettingsChanged struct {
	InitialWindowChanged bool
}

// ConnectionTerminated reports a GOAWAY from the peer.
type ConnectionTerminated struct {
	Code         http2.ErrCode
	LastStreamID uint32
}

func (RequestReceived) event()      {}
func (DataReceived) event()         {}
func (StreamEnded) event()          {}
func (StreamReset) event()          {}
func (WindowUpdated) event()        {}
func (SettingsChanged) event()      {}
func (ConnectionTerminated) event() {}
