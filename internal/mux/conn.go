// Package mux multiplexes HTTP/2 streams on a single connection: it turns
// codec events into stream state transitions, runs one handler task per
// completed request, and enforces nested connection and stream flow-control
// windows on the way out.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/kozzztik/django-h2/internal/codec"
)

const readBufferSize = 32 * 1024

// ErrConnectionLost is the cause reported through RequestException when the
// transport drops underneath an in-flight handler task.
var ErrConnectionLost = errors.New("mux: connection lost")

// Options configures a Connection.
type Options struct {
	// MaxRequestBodySize caps the accumulated request body per stream.
	// Streams that exceed it are refused. Zero means 2.5 MiB.
	MaxRequestBodySize int64
	// Logger is the connection's logger; a connection id is attached to it.
	Logger zerolog.Logger
	// Observers receive request lifecycle notifications.
	Observers []Observer
}

const defaultMaxRequestBodySize = 2_621_440

// Connection owns one transport plus its codec and stream table. All codec
// events are dispatched from the single Serve goroutine; handler tasks run
// on their own goroutines and talk back through the codec, which is
// internally synchronized.
type Connection struct {
	id        string
	transport io.ReadWriteCloser
	codec     codec.Codec
	handler   Handler
	observer  multiObserver
	log       zerolog.Logger

	maxBodySize int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  map[uint32]*stream
	alive    bool
	draining bool

	drained   chan struct{}
	drainOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewConnection wires a transport, a codec and a handler together. Serve
// must be called to start dispatching.
func NewConnection(transport io.ReadWriteCloser, c codec.Codec, handler Handler, opts Options) *Connection {
	id := uuid.New().String()
	maxBody := opts.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	conn := &Connection{
		id:          id,
		transport:   transport,
		codec:       c,
		handler:     handler,
		observer:    multiObserver(opts.Observers),
		log:         opts.Logger.With().Str("conn_id", id).Logger(),
		maxBodySize: maxBody,
		streams:     make(map[uint32]*stream),
		alive:       true,
		drained:     make(chan struct{}),
		closed:      make(chan struct{}),
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	return conn
}

// ID returns the connection's identifier, as attached to its log records.
func (c *Connection) ID() string { return c.id }

// Serve runs the connection's event loop until the transport closes or a
// protocol error terminates it. It always leaves the transport closed and
// every stream torn down.
func (c *Connection) Serve() error {
	if ra, ok := c.transport.(interface{ RemoteAddr() net.Addr }); ok {
		c.log.Info().Str("remote", ra.RemoteAddr().String()).Msg("connection accepted")
	}
	// The codec queues its connection preface at construction.
	c.flush()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			events, cerr := c.codec.ReceiveData(buf[:n])
			// Frames the codec produced while parsing (settings acks, ping
			// acks, window updates) go out before events are acted on.
			c.flush()
			for _, ev := range events {
				c.dispatch(ev)
			}
			if cerr != nil {
				return c.terminate(cerr)
			}
		}
		if err != nil {
			select {
			case <-c.closed:
				// We initiated the close; the read error is expected.
				return nil
			default:
			}
			c.connectionLost(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		select {
		case <-c.closed:
			return nil
		default:
		}
	}
}

// terminate handles a fatal codec error: announce it with GOAWAY, flush so
// the peer sees the frame before the socket disappears, then tear down.
func (c *Connection) terminate(cerr error) error {
	code := http2.ErrCodeProtocol
	var ce *codec.ConnectionError
	if errors.As(cerr, &ce) {
		code = ce.Code
	}
	c.log.Warn().Err(cerr).Msg("protocol error, closing connection")
	_ = c.codec.GoAway(c.codec.HighestInboundStreamID(), code)
	c.flush()
	c.connectionLost(cerr)
	return cerr
}

func (c *Connection) dispatch(ev codec.Event) {
	switch ev := ev.(type) {
	case codec.RequestReceived:
		c.onRequestReceived(ev)
	case codec.DataReceived:
		c.onDataReceived(ev)
	case codec.StreamEnded:
		if s := c.lookupStream(ev.StreamID); s != nil {
			s.completeRequest()
		}
	case codec.StreamReset:
		if s := c.removeStream(ev.StreamID); s != nil {
			c.log.Debug().Uint32("stream_id", ev.StreamID).
				Str("code", ev.Code.String()).Msg("stream reset by peer")
			s.cancel()
		}
	case codec.WindowUpdated:
		if ev.StreamID == 0 {
			c.releaseAllWaiters()
		} else if s := c.lookupStream(ev.StreamID); s != nil {
			s.releaseWaiter()
		}
	case codec.SettingsChanged:
		if ev.InitialWindowChanged {
			c.releaseAllWaiters()
		}
	case codec.ConnectionTerminated:
		c.log.Info().Str("code", ev.Code.String()).
			Uint32("last_stream_id", ev.LastStreamID).Msg("peer sent GOAWAY")
		c.connectionLost(fmt.Errorf("peer terminated connection: %v", ev.Code))
		// The transport is closed now; no further writes.
		return
	}
	// Every event may leave frames queued in the codec.
	c.flush()
}

func (c *Connection) onRequestReceived(ev codec.RequestReceived) {
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()
	if !alive {
		// Past GOAWAY the peer cannot rely on this stream; dropping it here
		// is what our announced last stream id promised.
		c.log.Debug().Uint32("stream_id", ev.StreamID).Msg("ignoring request received during shutdown")
		return
	}
	req, err := newRequest(ev.StreamID, ev.Headers)
	if err != nil {
		c.log.Warn().Err(err).Uint32("stream_id", ev.StreamID).Msg("malformed request headers")
		_ = c.codec.ResetStream(ev.StreamID, http2.ErrCodeProtocol)
		return
	}
	c.log.Debug().Uint32("stream_id", ev.StreamID).
		Str("method", req.Method).Str("path", req.Path).Msg("request received")
	s := newStream(c, ev.StreamID, req)
	c.mu.Lock()
	c.streams[ev.StreamID] = s
	c.mu.Unlock()
}

func (c *Connection) onDataReceived(ev codec.DataReceived) {
	s := c.lookupStream(ev.StreamID)
	if s == nil {
		// Data for a stream we already dropped (refused body, reset, or a
		// request ignored during drain). Tell the peer the stream is dead.
		_ = c.codec.ResetStream(ev.StreamID, http2.ErrCodeProtocol)
		return
	}
	s.receiveData(ev.Data)
}

func (c *Connection) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

func (c *Connection) lookupStream(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// removeStream drops the stream from the table and returns it, or nil if it
// was already gone. The last removal during drain unblocks Shutdown.
func (c *Connection) removeStream(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streams[id]
	delete(c.streams, id)
	if c.draining && len(c.streams) == 0 {
		c.drainOnce.Do(func() { close(c.drained) })
	}
	return s
}

func (c *Connection) releaseAllWaiters() {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.releaseWaiter()
	}
}

// flush writes everything the codec has queued to the transport. Writes are
// serialized so interleaving tasks cannot corrupt the frame sequence.
func (c *Connection) flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	p := c.codec.DataToSend()
	if len(p) == 0 {
		return
	}
	if _, err := c.transport.Write(p); err != nil {
		c.log.Debug().Err(err).Msg("transport write failed")
	}
}

// Shutdown drains the connection: announce GOAWAY with the highest stream id
// accepted so far, stop admitting new streams, cancel streaming producers,
// and close the transport once every stream has been removed or ctx expires.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	alreadyDraining := c.draining
	c.alive = false
	c.draining = true
	var streaming []*stream
	for _, s := range c.streams {
		if s.isStreaming() {
			streaming = append(streaming, s)
		}
	}
	if len(c.streams) == 0 {
		c.drainOnce.Do(func() { close(c.drained) })
	}
	c.mu.Unlock()

	if !alreadyDraining {
		c.log.Info().Msg("draining connection")
		// Sent directly so streams at or below the announced id can keep
		// responding; the codec stays open for them.
		if err := c.codec.GoAway(c.codec.HighestInboundStreamID(), http2.ErrCodeNo); err != nil {
			c.log.Debug().Err(err).Msg("goaway send failed")
		}
		c.flush()
		for _, s := range streaming {
			s.cancel()
		}
	}

	select {
	case <-c.drained:
	case <-ctx.Done():
		c.log.Warn().Msg("drain deadline exceeded, closing connection")
	}
	c.close()
	c.wg.Wait()
	return ctx.Err()
}

// connectionLost tears everything down after a transport fault or peer
// termination. Streams with an active handler task get a connection-loss
// exception notification; all tasks are cancelled.
func (c *Connection) connectionLost(cause error) {
	c.mu.Lock()
	c.alive = false
	streams := make([]*stream, 0, len(c.streams))
	for id, s := range c.streams {
		streams = append(streams, s)
		// Task-less streams (body still arriving) have no teardown path of
		// their own; the whole table empties here so a drain supervisor is
		// not left waiting on a dead connection.
		delete(c.streams, id)
	}
	if c.draining {
		c.drainOnce.Do(func() { close(c.drained) })
	}
	c.mu.Unlock()

	for _, s := range streams {
		if s.hasTask() && s.claimNotify() {
			err := ErrConnectionLost
			if cause != nil {
				err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
			}
			c.observer.RequestException(s.req, err)
		}
		s.cancel()
	}
	c.close()
}

// close shuts the transport and cancels every stream context, once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		if err := c.transport.Close(); err != nil {
			c.log.Debug().Err(err).Msg("transport close failed")
		}
		c.log.Info().Msg("connection closed")
	})
}
