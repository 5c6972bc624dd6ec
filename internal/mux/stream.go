package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/kozzztik/django-h2/internal/codec"
)

// stream tracks one inbound HTTP/2 stream from first HEADERS to removal.
// Inbound accumulation happens on the connection's event loop; once the
// request is complete a single handler task runs on its own goroutine.
type stream struct {
	id   uint32
	conn *Connection
	req  *Request

	// Touched only from the event loop until completeRequest freezes them.
	body          []byte
	bytesReceived int64

	// Touched only from the task goroutine.
	bytesSent   int64
	headersSent bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	waiter      chan struct{}
	taskStarted bool
	streaming   bool
	ended       bool
	notified    bool
}

func newStream(conn *Connection, id uint32, req *Request) *stream {
	s := &stream{id: id, conn: conn, req: req}
	s.ctx, s.cancel = context.WithCancel(conn.ctx)
	return s
}

// receiveData appends a body chunk, enforcing the request body cap. A chunk
// that would push the body over the cap rejects the whole stream with
// REFUSED_STREAM; otherwise the chunk's size is acknowledged against the
// connection-level window immediately, so one throttled stream never starves
// the others.
func (s *stream) receiveData(p []byte) {
	if s.bytesReceived+int64(len(p)) > s.conn.maxBodySize {
		s.conn.log.Warn().
			Uint32("stream_id", s.id).
			Int64("received", s.bytesReceived+int64(len(p))).
			Int64("limit", s.conn.maxBodySize).
			Msg("request body exceeds limit, refusing stream")
		// The refused bytes still occupied the connection window; return
		// them so unrelated streams keep flowing.
		s.conn.codec.AcknowledgeReceivedData(uint32(len(p)))
		_ = s.conn.codec.ResetStream(s.id, http2.ErrCodeRefusedStream)
		s.conn.flush()
		if removed := s.conn.removeStream(s.id); removed != nil {
			removed.cancel()
		}
		return
	}
	s.bytesReceived += int64(len(p))
	s.body = append(s.body, p...)
	s.conn.codec.AcknowledgeReceivedData(uint32(len(p)))
	s.conn.flush()
}

// completeRequest freezes the body and schedules the handler task. At most
// one task ever runs per stream, no matter how often this is called.
func (s *stream) completeRequest() {
	s.mu.Lock()
	if s.taskStarted {
		s.mu.Unlock()
		return
	}
	s.taskStarted = true
	s.mu.Unlock()

	s.req.Body = s.body
	s.body = nil
	s.conn.wg.Add(1)
	go s.runTask()
}

// runTask is the single finalization path for a stream's handler. Whatever
// happens inside the handler, the stream ends exactly once and is removed
// from the connection.
func (s *stream) runTask() {
	defer s.conn.wg.Done()
	started := time.Now()
	defer func() {
		s.endStream()
		s.conn.removeStream(s.id)
	}()

	s.conn.observer.RequestStarted(s.req)
	resp, err := s.safeHandle()
	if s.ctx.Err() != nil {
		// Reset or shutdown while the handler ran. Teardown, not a fault.
		return
	}
	if err != nil {
		s.conn.log.Error().Err(err).
			Uint32("stream_id", s.id).
			Str("path", s.req.Path).
			Msg("request handler failed")
		if s.claimNotify() {
			s.conn.observer.RequestException(s.req, err)
		}
		if !s.headersSent {
			s.sendErrorHeaders()
		}
		return
	}
	if resp == nil {
		resp = &Response{Status: 200}
	}
	if err := s.sendResponse(resp); err != nil {
		s.conn.log.Error().Err(err).
			Uint32("stream_id", s.id).
			Msg("response send failed")
		if s.claimNotify() {
			s.conn.observer.RequestException(s.req, err)
		}
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	if s.claimNotify() {
		s.conn.observer.RequestFinished(s.req, resp, s.bytesSent, time.Since(started))
	}
}

// safeHandle invokes the handler with panics converted to errors, so a
// misbehaving handler never takes the connection down.
func (s *stream) safeHandle() (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.conn.handler.Handle(s.ctx, s.req)
}

func (s *stream) sendResponse(resp *Response) error {
	fields := make([]hpack.HeaderField, 0, len(resp.Headers)+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.Status)})
	fields = append(fields, resp.Headers...)
	if err := s.conn.codec.SendHeaders(s.id, fields, false); err != nil {
		if errors.Is(err, codec.ErrStreamClosed) {
			return nil
		}
		return err
	}
	s.headersSent = true
	s.conn.flush()

	if resp.Chunks != nil {
		return s.streamChunks(resp.Chunks)
	}
	return s.sendData(resp.Body, true)
}

// streamChunks drains a ChunkReader, sending each chunk under flow control.
// End-of-stream is delivered by runTask's finalization, so a cancelled
// producer still ends the stream cleanly.
func (s *stream) streamChunks(chunks ChunkReader) error {
	s.setStreaming()
	defer func() {
		if err := chunks.Close(); err != nil {
			s.conn.log.Debug().Err(err).Uint32("stream_id", s.id).Msg("chunk reader close failed")
		}
	}()
	for {
		chunk, err := chunks.Next(s.ctx)
		if errors.Is(err, io.EOF) {
			if len(chunk) > 0 {
				return s.sendData(chunk, false)
			}
			return nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.sendData(chunk, false); err != nil {
			return err
		}
		if s.ctx.Err() != nil {
			return nil
		}
	}
}

// sendData writes p to the stream in chunks no larger than the current
// flow-control window or the peer's maximum frame size, suspending on the
// stream's wait handle whenever the window is exhausted. The window is
// re-read before every chunk because the peer may resize it at any point.
func (s *stream) sendData(p []byte, endOfStream bool) error {
	if len(p) == 0 {
		if endOfStream {
			s.endStream()
		}
		return nil
	}
	maxFrame := int64(s.conn.codec.MaxOutboundFrameSize())
	for len(p) > 0 {
		window := int64(s.conn.codec.LocalFlowControlWindow(s.id))
		if window < 1 {
			if !s.waitForWindow() {
				// Cancelled while parked. Normal teardown.
				return nil
			}
			continue
		}
		size := int64(len(p))
		if window < size {
			size = window
		}
		if maxFrame < size {
			size = maxFrame
		}
		last := size == int64(len(p))
		err := s.conn.codec.SendData(s.id, p[:size], endOfStream && last)
		if errors.Is(err, codec.ErrStreamClosed) {
			// Peer reset the stream; it no longer wants the rest.
			s.markEnded()
			return nil
		}
		if err != nil {
			return err
		}
		if endOfStream && last {
			s.markEnded()
		}
		s.conn.flush()
		s.bytesSent += size
		p = p[size:]
	}
	return nil
}

// waitForWindow parks the task until a window update or settings change
// releases it. Returns false when the wait was resolved by cancellation.
func (s *stream) waitForWindow() bool {
	s.mu.Lock()
	if s.waiter == nil {
		s.waiter = make(chan struct{})
	}
	w := s.waiter
	s.mu.Unlock()
	// Re-check after publishing the waiter: an update that raced with the
	// window read above has already fired and will not come again.
	if s.conn.codec.LocalFlowControlWindow(s.id) > 0 {
		return true
	}
	select {
	case <-w:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// releaseWaiter resolves a pending flow-control wait, if any. Safe to call
// when no wait is pending.
func (s *stream) releaseWaiter() {
	s.mu.Lock()
	if s.waiter != nil {
		close(s.waiter)
		s.waiter = nil
	}
	s.mu.Unlock()
}

// endStream delivers the end-of-stream signal at most once. A final DATA
// chunk that already carried END_STREAM counts as that delivery.
func (s *stream) endStream() {
	if !s.markEnded() {
		return
	}
	if err := s.conn.codec.EndStream(s.id); err != nil && !errors.Is(err, codec.ErrStreamClosed) {
		s.conn.log.Debug().Err(err).Uint32("stream_id", s.id).Msg("end stream failed")
	}
	s.conn.flush()
}

func (s *stream) markEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return true
}

// claimNotify reserves the stream's single completion notification. Exactly
// one of RequestFinished or RequestException fires per task.
func (s *stream) claimNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.taskStarted || s.notified {
		return false
	}
	s.notified = true
	return true
}

func (s *stream) hasTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskStarted
}

func (s *stream) setStreaming() {
	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	// A drain that started before this point has already taken its snapshot
	// of streaming streams and will not cancel this one.
	if s.conn.isDraining() {
		s.cancel()
	}
}

func (s *stream) isStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// sendErrorHeaders is the best-effort 500 for a handler that failed before
// any headers went out.
func (s *stream) sendErrorHeaders() {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "500"},
		{Name: "content-length", Value: "0"},
	}
	if err := s.conn.codec.SendHeaders(s.id, fields, false); err != nil {
		return
	}
	s.headersSent = true
	s.conn.flush()
}
