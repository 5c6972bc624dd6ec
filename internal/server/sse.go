package server

import (
	"bytes"
	"context"
	"io"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/kozzztik/django-h2/internal/mux"
)

// SSEEvent is one server-sent event. ID is optional.
type SSEEvent struct {
	Name string
	Data string
	ID   string
}

// Encode renders the event in text/event-stream format. Embedded newlines
// are escaped so an event always occupies one field per line.
func (e SSEEvent) Encode() []byte {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(escapeSSE(e.Name))
	b.WriteString("\ndata: ")
	b.WriteString(escapeSSE(e.Data))
	if e.ID != "" {
		b.WriteString("\nid: ")
		b.WriteString(escapeSSE(e.ID))
	}
	b.WriteString("\n\n")
	return b.Bytes()
}

func escapeSSE(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}

// SSEResponse builds a streaming response that encodes events from ch until
// it is closed. The stream ends when ch closes or the request is cancelled.
func SSEResponse(ch <-chan SSEEvent) *mux.Response {
	return &mux.Response{
		Status: 200,
		Headers: []hpack.HeaderField{
			{Name: "content-type", Value: "text/event-stream"},
			{Name: "cache-control", Value: "no-cache"},
			{Name: "x-accel-buffering", Value: "no"},
		},
		Chunks: &sseChunks{ch: ch},
	}
}

type sseChunks struct {
	ch <-chan SSEEvent
}

func (s *sseChunks) Next(ctx context.Context) ([]byte, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev.Encode(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *sseChunks) Close() error { return nil }
