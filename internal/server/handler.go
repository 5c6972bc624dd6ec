package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/semaphore"

	"github.com/kozzztik/django-h2/internal/mux"
)

// PoolHandler bounds concurrent handler executions across all connections
// and enforces a per-request deadline. A request that outlives the deadline
// is answered with 504 while the abandoned handler keeps its cancelled
// context and is expected to unwind on its own.
type PoolHandler struct {
	inner   mux.Handler
	sem     *semaphore.Weighted
	timeout time.Duration
	log     zerolog.Logger
}

// NewPoolHandler wraps inner with a pool of maxWorkers slots and a
// per-request timeout. A timeout of zero disables the deadline.
func NewPoolHandler(inner mux.Handler, maxWorkers int64, timeout time.Duration, log zerolog.Logger) *PoolHandler {
	return &PoolHandler{
		inner:   inner,
		sem:     semaphore.NewWeighted(maxWorkers),
		timeout: timeout,
		log:     log,
	}
}

type handleResult struct {
	resp *mux.Response
	err  error
}

// Handle acquires a worker slot, then runs the wrapped handler under the
// configured deadline.
func (h *PoolHandler) Handle(ctx context.Context, req *mux.Request) (*mux.Response, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if h.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.timeout)
	}

	done := make(chan handleResult, 1)
	go func() {
		defer h.sem.Release(1)
		defer cancel()
		resp, err := h.inner.Handle(runCtx, req)
		done <- handleResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Stream reset or connection going away, not our deadline.
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			h.log.Warn().
				Str("method", req.Method).
				Str("path", req.Path).
				Dur("timeout", h.timeout).
				Msg("request handler timed out")
			return gatewayTimeoutResponse(), nil
		}
		return nil, runCtx.Err()
	}
}

func gatewayTimeoutResponse() *mux.Response {
	return &mux.Response{
		Status: 504,
		Headers: []hpack.HeaderField{
			{Name: "content-type", Value: "text/plain; charset=utf-8"},
		},
		Body: []byte("Gateway Timeout\n"),
	}
}

// FallbackHandler answers every request with 500 and the given cause. It
// stands in for the application when initialization failed, so the listener
// can come up and report the problem instead of refusing connections.
func FallbackHandler(cause error) mux.Handler {
	body := []byte("Internal Server Error\n")
	if cause != nil {
		body = []byte("Internal Server Error: " + cause.Error() + "\n")
	}
	return mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		return &mux.Response{
			Status: 500,
			Headers: []hpack.HeaderField{
				{Name: "content-type", Value: "text/plain; charset=utf-8"},
			},
			Body: body,
		}, nil
	})
}
