package codec

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var clientPreface = []byte(http2.ClientPreface)

const (
	defaultMaxFrameSize      = 16384
	defaultInitialWindowSize = 65535
	defaultHeaderTableSize   = 4096
	maxWindowSize            = 1<<31 - 1

	// maxHeaderBlockSize caps the compressed size of an inbound header block
	// accumulated across HEADERS and CONTINUATION frames.
	maxHeaderBlockSize = 32 * 1024
)

// Options configures a server-side codec.
type Options struct {
	// InitialWindowSize is advertised as SETTINGS_INITIAL_WINDOW_SIZE.
	InitialWindowSize uint32
	// MaxConcurrentStreams is advertised as SETTINGS_MAX_CONCURRENT_STREAMS.
	// Zero means 100.
	MaxConcurrentStreams uint32
}

// sendState tracks the halves of a stream the codec still allows to carry
// frames. A stream is forgotten once both halves are done.
type sendState struct {
	sendWindow   int64
	localClosed  bool // we sent END_STREAM or RST_STREAM
	remoteClosed bool // peer sent END_STREAM
}

// H2Codec implements Codec on top of golang.org/x/net/http2's Framer and
// hpack. It buffers outbound frames internally; the owner drains them with
// DataToSend and writes them to the transport.
type H2Codec struct {
	mu sync.Mutex

	in  bytes.Buffer // raw inbound bytes not yet parsed
	out bytes.Buffer // serialized frames awaiting the transport
	fr  *http2.Framer

	henc *hpack.Encoder
	hbuf bytes.Buffer
	hdec *hpack.Decoder
	// decoded accumulates header fields emitted by hdec for the block
	// currently being decoded.
	decoded []hpack.HeaderField

	prefaceRead bool

	// Inbound header block assembly (HEADERS + CONTINUATION).
	hdrStreamID  uint32
	hdrFragments [][]byte
	hdrSize      uint32
	hdrEndStream bool

	// Peer-imposed limits on what we may send.
	maxFrameSize      uint32
	initialSendWindow int64
	connSendWindow    int64

	connRecvWindow int64

	streams        map[uint32]*sendState
	highestInbound uint32
	goAwaySent     bool
	goAwayLast     uint32
}

var _ Codec = (*H2Codec)(nil)

// NewServer creates a server-side codec and queues the server connection
// preface (our SETTINGS frame) for sending.
func NewServer(opts Options) *H2Codec {
	c := &H2Codec{
		maxFrameSize:      defaultMaxFrameSize,
		initialSendWindow: defaultInitialWindowSize,
		connSendWindow:    defaultInitialWindowSize,
		connRecvWindow:    defaultInitialWindowSize,
		streams:           make(map[uint32]*sendState),
	}
	c.fr = http2.NewFramer(&c.out, &c.in)
	c.fr.SetMaxReadFrameSize(defaultMaxFrameSize)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(defaultHeaderTableSize, func(f hpack.HeaderField) {
		c.decoded = append(c.decoded, f)
	})

	windowSize := opts.InitialWindowSize
	if windowSize == 0 {
		windowSize = defaultInitialWindowSize
	}
	maxStreams := opts.MaxConcurrentStreams
	if maxStreams == 0 {
		maxStreams = 100
	}
	_ = c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: windowSize},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: maxStreams},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameSize},
	)
	// SETTINGS_INITIAL_WINDOW_SIZE only sizes stream windows; the connection
	// window needs an explicit update to match.
	if windowSize > defaultInitialWindowSize {
		delta := windowSize - defaultInitialWindowSize
		_ = c.fr.WriteWindowUpdate(0, delta)
		c.connRecvWindow += int64(delta)
	}
	return c
}

// ReceiveData consumes raw bytes from the transport and returns decoded
// events. Frames split across reads are reassembled internally; the framer
// only ever sees complete frames.
func (c *H2Codec) ReceiveData(p []byte) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.in.Write(p)
	if !c.prefaceRead {
		if c.in.Len() < len(clientPreface) {
			return nil, nil
		}
		got := c.in.Next(len(clientPreface))
		if !bytes.Equal(got, clientPreface) {
			return nil, connError(http2.ErrCodeProtocol, "invalid client connection preface")
		}
		c.prefaceRead = true
	}

	var events []Event
	for {
		complete, err := c.frameBuffered()
		if err != nil {
			return events, err
		}
		if !complete {
			break
		}
		f, err := c.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				// Frame-level stream error: reset that stream, keep going.
				// Surfaced as a StreamReset so the owner tears the stream
				// down instead of waiting on a window that never opens.
				c.resetStreamLocked(se.StreamID, se.Code)
				events = append(events, StreamReset{StreamID: se.StreamID, Code: se.Code})
				continue
			}
			if ce, ok := err.(http2.ConnectionError); ok {
				return events, &ConnectionError{Code: http2.ErrCode(ce), Reason: "framer", Cause: err}
			}
			return events, &ConnectionError{Code: http2.ErrCodeProtocol, Reason: "framer", Cause: err}
		}
		evs, err := c.handleFrame(f)
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// frameBuffered reports whether c.in holds at least one complete frame.
// The declared length is checked against the advertised maximum before any
// payload accumulates, so a hostile 16 MiB length field never gets buffered.
func (c *H2Codec) frameBuffered() (bool, error) {
	b := c.in.Bytes()
	if len(b) < 9 {
		return false, nil
	}
	length := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	if length > defaultMaxFrameSize {
		return false, connErrorf(http2.ErrCodeFrameSize,
			"frame of %d bytes exceeds advertised maximum of %d", length, defaultMaxFrameSize)
	}
	return len(b) >= 9+length, nil
}

func (c *H2Codec) handleFrame(f http2.Frame) ([]Event, error) {
	if c.hdrStreamID != 0 {
		// Mid header block only CONTINUATION for the same stream is legal.
		// The framer enforces this ordering, so anything else arriving here
		// is its bug surfacing; be strict anyway.
		if _, ok := f.(*http2.ContinuationFrame); !ok {
			return nil, connError(http2.ErrCodeProtocol, "interleaved frame inside header block")
		}
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = c.fr.WritePing(true, f.Data)
		}
		return nil, nil
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.HeadersFrame:
		return c.handleHeaders(f)
	case *http2.ContinuationFrame:
		return c.handleContinuation(f)
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.RSTStreamFrame:
		return c.handleRSTStream(f)
	case *http2.GoAwayFrame:
		return []Event{ConnectionTerminated{Code: f.ErrCode, LastStreamID: f.LastStreamID}}, nil
	case *http2.PriorityFrame:
		return nil, nil
	case *http2.PushPromiseFrame:
		return nil, connError(http2.ErrCodeProtocol, "client sent PUSH_PROMISE")
	default:
		// Unknown extension frames are ignored per RFC 7540 section 4.1.
		return nil, nil
	}
}

func (c *H2Codec) handleSettings(f *http2.SettingsFrame) ([]Event, error) {
	if f.IsAck() {
		return nil, nil
	}
	initialWindowChanged := false
	var settingsErr error
	_ = f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			settingsErr = connErrorf(http2.ErrCodeProtocol, "invalid setting %v", s)
			return settingsErr
		}
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.initialSendWindow
			c.initialSendWindow = int64(s.Val)
			for _, st := range c.streams {
				st.sendWindow += delta
			}
			initialWindowChanged = delta != 0
		case http2.SettingMaxFrameSize:
			c.maxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			c.henc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
	if settingsErr != nil {
		return nil, settingsErr
	}
	_ = c.fr.WriteSettingsAck()
	return []Event{SettingsChanged{InitialWindowChanged: initialWindowChanged}}, nil
}

func (c *H2Codec) handleWindowUpdate(f *http2.WindowUpdateFrame) ([]Event, error) {
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if inc == 0 {
			return nil, connError(http2.ErrCodeProtocol, "connection WINDOW_UPDATE with zero increment")
		}
		if c.connSendWindow+inc > maxWindowSize {
			return nil, connError(http2.ErrCodeFlowControl, "connection send window overflow")
		}
		c.connSendWindow += inc
		return []Event{WindowUpdated{StreamID: 0, Delta: int32(inc)}}, nil
	}
	st, ok := c.streams[f.StreamID]
	if !ok {
		if f.StreamID > c.highestInbound && f.StreamID%2 == 1 && !c.goAwaySent {
			return nil, connErrorf(http2.ErrCodeProtocol, "WINDOW_UPDATE for idle stream %d", f.StreamID)
		}
		// Stream already fully closed; the grant arrives too late. Ignore.
		return nil, nil
	}
	if inc == 0 {
		c.resetStreamLocked(f.StreamID, http2.ErrCodeProtocol)
		return nil, nil
	}
	if st.sendWindow+inc > maxWindowSize {
		c.resetStreamLocked(f.StreamID, http2.ErrCodeFlowControl)
		return nil, nil
	}
	st.sendWindow += inc
	return []Event{WindowUpdated{StreamID: f.StreamID, Delta: int32(inc)}}, nil
}

func (c *H2Codec) handleHeaders(f *http2.HeadersFrame) ([]Event, error) {
	sid := f.Header().StreamID
	if sid == 0 {
		return nil, connError(http2.ErrCodeProtocol, "HEADERS on stream 0")
	}
	if sid%2 == 0 {
		return nil, connErrorf(http2.ErrCodeProtocol, "HEADERS on even stream id %d", sid)
	}
	if _, exists := c.streams[sid]; !exists && sid <= c.highestInbound {
		return nil, connErrorf(http2.ErrCodeProtocol, "stream id %d reused", sid)
	}

	fragment := append([]byte(nil), f.HeaderBlockFragment()...)
	c.hdrStreamID = sid
	c.hdrFragments = [][]byte{fragment}
	c.hdrSize = uint32(len(fragment))
	c.hdrEndStream = f.StreamEnded()
	if f.HeadersEnded() {
		return c.finishHeaderBlock()
	}
	return nil, nil
}

func (c *H2Codec) handleContinuation(f *http2.ContinuationFrame) ([]Event, error) {
	if c.hdrStreamID == 0 || f.Header().StreamID != c.hdrStreamID {
		return nil, connError(http2.ErrCodeProtocol, "CONTINUATION without open header block")
	}
	fragment := append([]byte(nil), f.HeaderBlockFragment()...)
	c.hdrSize += uint32(len(fragment))
	if c.hdrSize > maxHeaderBlockSize {
		c.resetHeaderAssembly()
		return nil, connError(http2.ErrCodeEnhanceYourCalm, "header block too large")
	}
	c.hdrFragments = append(c.hdrFragments, fragment)
	if f.HeadersEnded() {
		return c.finishHeaderBlock()
	}
	return nil, nil
}

func (c *H2Codec) finishHeaderBlock() ([]Event, error) {
	sid := c.hdrStreamID
	endStream := c.hdrEndStream
	fragments := c.hdrFragments
	c.resetHeaderAssembly()

	c.decoded = nil
	for _, frag := range fragments {
		if _, err := c.hdec.Write(frag); err != nil {
			return nil, &ConnectionError{Code: http2.ErrCodeCompression, Reason: "hpack decode", Cause: err}
		}
	}
	if err := c.hdec.Close(); err != nil {
		return nil, &ConnectionError{Code: http2.ErrCodeCompression, Reason: "hpack close", Cause: err}
	}
	fields := c.decoded
	c.decoded = nil

	if st, ok := c.streams[sid]; ok {
		// A header block on an open stream is only legal as trailers
		// carrying END_STREAM.
		if !endStream {
			c.resetStreamLocked(sid, http2.ErrCodeProtocol)
			return nil, nil
		}
		st.remoteClosed = true
		c.forgetIfDone(sid, st)
		return []Event{StreamEnded{StreamID: sid}}, nil
	}

	if c.goAwaySent && sid > c.goAwayLast {
		// The peer was told streams above goAwayLast will not be processed;
		// frames on them are discarded (RFC 7540 section 6.8).
		return nil, nil
	}
	c.streams[sid] = &sendState{sendWindow: c.initialSendWindow}
	c.highestInbound = sid
	events := []Event{RequestReceived{StreamID: sid, Headers: fields}}
	if endStream {
		c.streams[sid].remoteClosed = true
		events = append(events, StreamEnded{StreamID: sid})
	}
	return events, nil
}

func (c *H2Codec) resetHeaderAssembly() {
	c.hdrStreamID = 0
	c.hdrFragments = nil
	c.hdrSize = 0
	c.hdrEndStream = false
}

func (c *H2Codec) handleData(f *http2.DataFrame) ([]Event, error) {
	sid := f.Header().StreamID
	if sid == 0 {
		return nil, connError(http2.ErrCodeProtocol, "DATA on stream 0")
	}
	length := int64(f.Header().Length)
	if sid > c.highestInbound {
		if c.goAwaySent {
			// In-flight data for a stream we announced we will not process.
			// Discard it and hand its window share straight back.
			c.connRecvWindow -= length
			if c.connRecvWindow < 0 {
				return nil, connError(http2.ErrCodeFlowControl, "connection receive window exceeded")
			}
			c.creditConnWindowLocked(length)
			return nil, nil
		}
		return nil, connErrorf(http2.ErrCodeProtocol, "DATA on idle stream %d", sid)
	}
	// The whole frame payload counts against the connection receive window,
	// padding included.
	c.connRecvWindow -= length
	if c.connRecvWindow < 0 {
		return nil, connError(http2.ErrCodeFlowControl, "connection receive window exceeded")
	}

	data := append([]byte(nil), f.Data()...)
	// Padding is never surfaced to the owner, so its window share is
	// returned right away.
	if pad := length - int64(len(data)); pad > 0 {
		c.creditConnWindowLocked(pad)
	}
	if _, tracked := c.streams[sid]; !tracked {
		// Forgotten stream (reset or refused). The owner only answers with
		// a reset and never acknowledges these bytes, so credit them here
		// or every refused upload would shrink the window for good.
		c.creditConnWindowLocked(int64(len(data)))
	}
	var events []Event
	// Data for a stream the codec no longer tracks is still surfaced: the
	// connection decides whether that warrants a reset.
	events = append(events, DataReceived{StreamID: sid, Data: data})
	if f.StreamEnded() {
		if st, ok := c.streams[sid]; ok {
			st.remoteClosed = true
			c.forgetIfDone(sid, st)
		}
		events = append(events, StreamEnded{StreamID: sid})
	}
	return events, nil
}

func (c *H2Codec) creditConnWindowLocked(n int64) {
	if n <= 0 {
		return
	}
	c.connRecvWindow += n
	_ = c.fr.WriteWindowUpdate(0, uint32(n))
}

func (c *H2Codec) handleRSTStream(f *http2.RSTStreamFrame) ([]Event, error) {
	sid := f.Header().StreamID
	if sid == 0 {
		return nil, connError(http2.ErrCodeProtocol, "RST_STREAM on stream 0")
	}
	if sid > c.highestInbound && sid%2 == 1 && !c.goAwaySent {
		return nil, connErrorf(http2.ErrCodeProtocol, "RST_STREAM on idle stream %d", sid)
	}
	delete(c.streams, sid)
	return []Event{StreamReset{StreamID: sid, Code: f.ErrCode}}, nil
}

// SendHeaders encodes and queues a HEADERS frame, fragmented into
// CONTINUATION frames when the block exceeds the peer's max frame size.
func (c *H2Codec) SendHeaders(streamID uint32, headers []hpack.HeaderField, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[streamID]
	if !ok || st.localClosed {
		return ErrStreamClosed
	}
	c.hbuf.Reset()
	for _, hf := range headers {
		if err := c.henc.WriteField(hf); err != nil {
			return err
		}
	}
	block := c.hbuf.Bytes()

	first := block
	if uint32(len(first)) > c.maxFrameSize {
		first = block[:c.maxFrameSize]
	}
	rest := block[len(first):]
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndHeaders:    len(rest) == 0,
		EndStream:     endStream,
	})
	if err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if uint32(len(chunk)) > c.maxFrameSize {
			chunk = rest[:c.maxFrameSize]
		}
		rest = rest[len(chunk):]
		if err := c.fr.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	if endStream {
		c.closeLocalLocked(streamID, st)
	}
	return nil
}

// SendData queues a DATA frame and charges both send windows.
func (c *H2Codec) SendData(streamID uint32, p []byte, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[streamID]
	if !ok || st.localClosed {
		return ErrStreamClosed
	}
	n := int64(len(p))
	if n > c.connSendWindow || n > st.sendWindow {
		return errors.New("codec: send exceeds flow-control window")
	}
	if err := c.fr.WriteData(streamID, endStream, p); err != nil {
		return err
	}
	c.connSendWindow -= n
	st.sendWindow -= n
	if endStream {
		c.closeLocalLocked(streamID, st)
	}
	return nil
}

// EndStream queues an empty DATA frame with END_STREAM.
func (c *H2Codec) EndStream(streamID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[streamID]
	if !ok || st.localClosed {
		return ErrStreamClosed
	}
	if err := c.fr.WriteData(streamID, true, nil); err != nil {
		return err
	}
	c.closeLocalLocked(streamID, st)
	return nil
}

// ResetStream queues an RST_STREAM frame and forgets the stream.
func (c *H2Codec) ResetStream(streamID uint32, code http2.ErrCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetStreamLocked(streamID, code)
	return nil
}

func (c *H2Codec) resetStreamLocked(streamID uint32, code http2.ErrCode) {
	_ = c.fr.WriteRSTStream(streamID, code)
	delete(c.streams, streamID)
}

// GoAway queues a GOAWAY frame. The codec stays fully operational so that
// streams at or below lastStreamID can finish their responses; the caller is
// responsible for not admitting streams above it.
func (c *H2Codec) GoAway(lastStreamID uint32, code http2.ErrCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goAwaySent = true
	c.goAwayLast = lastStreamID
	return c.fr.WriteGoAway(lastStreamID, code, nil)
}

// AcknowledgeReceivedData opens the connection-level receive window by n.
func (c *H2Codec) AcknowledgeReceivedData(n uint32) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connRecvWindow += int64(n)
	_ = c.fr.WriteWindowUpdate(0, n)
}

// LocalFlowControlWindow returns the bytes currently sendable on the stream.
func (c *H2Codec) LocalFlowControlWindow(streamID uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	if !ok || st.localClosed {
		return 0
	}
	w := c.connSendWindow
	if st.sendWindow < w {
		w = st.sendWindow
	}
	if w > maxWindowSize {
		w = maxWindowSize
	}
	if w < -maxWindowSize {
		w = -maxWindowSize
	}
	return int32(w)
}

// MaxOutboundFrameSize returns the peer's advertised SETTINGS_MAX_FRAME_SIZE.
func (c *H2Codec) MaxOutboundFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFrameSize
}

// HighestInboundStreamID returns the highest accepted peer stream id.
func (c *H2Codec) HighestInboundStreamID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestInbound
}

// DataToSend drains the outbound frame buffer.
func (c *H2Codec) DataToSend() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		return nil
	}
	p := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return p
}

func (c *H2Codec) closeLocalLocked(streamID uint32, st *sendState) {
	st.localClosed = true
	c.forgetIfDone(streamID, st)
}

func (c *H2Codec) forgetIfDone(streamID uint32, st *sendState) {
	if st.localClosed && st.remoteClosed {
		delete(c.streams, streamID)
	}
}
