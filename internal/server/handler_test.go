package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozzztik/django-h2/internal/mux"
)

func TestPoolHandlerPassesThrough(t *testing.T) {
	inner := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		return &mux.Response{Status: 201, Body: []byte("made")}, nil
	})
	h := NewPoolHandler(inner, 2, time.Second, zerolog.Nop())

	resp, err := h.Handle(context.Background(), &mux.Request{Method: "POST", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, []byte("made"), resp.Body)
}

func TestPoolHandlerTimeoutIs504(t *testing.T) {
	inner := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := NewPoolHandler(inner, 2, 10*time.Millisecond, zerolog.Nop())

	resp, err := h.Handle(context.Background(), &mux.Request{Method: "GET", Path: "/slow"})
	require.NoError(t, err)
	assert.Equal(t, 504, resp.Status)
}

func TestPoolHandlerPropagatesCancellation(t *testing.T) {
	inner := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := NewPoolHandler(inner, 2, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := h.Handle(ctx, &mux.Request{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolHandlerBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int64
	release := make(chan struct{})
	inner := mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &mux.Response{Status: 200}, nil
	})
	h := NewPoolHandler(inner, 2, time.Minute, zerolog.Nop())

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := h.Handle(context.Background(), &mux.Request{Method: "GET", Path: "/"})
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestFallbackHandlerReports500(t *testing.T) {
	h := FallbackHandler(errors.New("settings module not found"))
	resp, err := h.Handle(context.Background(), &mux.Request{Method: "GET", Path: "/anything"})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Contains(t, string(resp.Body), "settings module not found")
}
