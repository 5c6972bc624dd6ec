package mux

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// Request is a fully or partially received HTTP/2 request. Header fields are
// kept in wire order; pseudo-headers are lifted into dedicated fields.
type Request struct {
	// StreamID identifies the stream the request arrived on.
	StreamID uint32

	Method    string
	Scheme    string
	Authority string
	Path      string

	// Headers holds the regular (non pseudo) header fields in the order they
	// were decoded.
	Headers []hpack.HeaderField

	// Body is the complete request body. It is only populated once the peer
	// has ended its half of the stream; handlers run after that point.
	Body []byte
}

// Header returns the first value of the named header, or "" when absent.
// HTTP/2 header names are lowercase on the wire; name is lowercased before
// matching.
func (r *Request) Header(name string) string {
	name = strings.ToLower(name)
	for _, hf := range r.Headers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// newRequest validates the pseudo-header section of a decoded header block
// and builds a Request from it. Pseudo-headers must precede regular fields
// and must not repeat; :method, :scheme and :path are mandatory for
// requests (RFC 7540 section 8.1.2.3).
func newRequest(streamID uint32, fields []hpack.HeaderField) (*Request, error) {
	req := &Request{StreamID: streamID}
	pseudoDone := false
	for _, hf := range fields {
		if !strings.HasPrefix(hf.Name, ":") {
			pseudoDone = true
			if hf.Name != strings.ToLower(hf.Name) {
				return nil, fmt.Errorf("uppercase header field name %q", hf.Name)
			}
			req.Headers = append(req.Headers, hf)
			continue
		}
		if pseudoDone {
			return nil, fmt.Errorf("pseudo-header %q after regular fields", hf.Name)
		}
		var dst *string
		switch hf.Name {
		case ":method":
			dst = &req.Method
		case ":scheme":
			dst = &req.Scheme
		case ":path":
			dst = &req.Path
		case ":authority":
			dst = &req.Authority
		default:
			return nil, fmt.Errorf("unknown pseudo-header %q", hf.Name)
		}
		if *dst != "" {
			return nil, fmt.Errorf("duplicate pseudo-header %q", hf.Name)
		}
		if hf.Value == "" && hf.Name != ":authority" {
			return nil, fmt.Errorf("empty pseudo-header %q", hf.Name)
		}
		*dst = hf.Value
	}
	if req.Method == "" || req.Scheme == "" || req.Path == "" {
		return nil, fmt.Errorf("missing mandatory pseudo-header in request on stream %d", streamID)
	}
	return req, nil
}

// ChunkReader produces a response body incrementally. Next returns the next
// chunk, or io.EOF once the body is complete. Implementations are consumed
// exactly once; Close is always called, including when the stream is
// cancelled mid-body.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Response is what a Handler produces. Either Body or Chunks may be set;
// when Chunks is non-nil it takes precedence and the response is streamed.
type Response struct {
	Status int

	// Headers are additional response header fields. The :status
	// pseudo-header is synthesized from Status and must not appear here.
	Headers []hpack.HeaderField

	Body   []byte
	Chunks ChunkReader
}

// Handler serves a single request. The context is cancelled when the stream
// is reset by the peer or the connection is going away; handlers should
// return promptly once that happens.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
