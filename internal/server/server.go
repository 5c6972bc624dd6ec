// Package server runs the TCP accept loop and ties connections to the
// shared handler pool, observers and configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kozzztik/django-h2/internal/codec"
	"github.com/kozzztik/django-h2/internal/config"
	"github.com/kozzztik/django-h2/internal/mux"
)

// Server accepts connections and serves each one on its own goroutine.
type Server struct {
	cfg       *config.Config
	log       zerolog.Logger
	handler   mux.Handler
	observers []mux.Observer

	gracefulTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*mux.Connection]struct{}
	draining bool

	recycle     chan struct{}
	recycleOnce sync.Once
	wg          sync.WaitGroup
}

// New builds a server. The handler is wrapped with the worker pool sized and
// timed from cfg; observers receive lifecycle notifications for every
// request on every connection.
func New(cfg *config.Config, log zerolog.Logger, handler mux.Handler, observers ...mux.Observer) (*Server, error) {
	handlerTimeout, err := cfg.HandlerTimeout()
	if err != nil {
		return nil, err
	}
	gracefulTimeout, err := cfg.GracefulShutdownTimeout()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:             cfg,
		log:             log,
		handler:         NewPoolHandler(handler, *cfg.Server.MaxWorkers, handlerTimeout, log),
		observers:       observers,
		gracefulTimeout: gracefulTimeout,
		conns:           make(map[*mux.Connection]struct{}),
		recycle:         make(chan struct{}),
	}
	if max := *cfg.Server.MaxRequests; max > 0 {
		s.observers = append(s.observers, &recycleObserver{server: s, max: max})
	}
	return s, nil
}

// ListenAndServe accepts connections until ctx is cancelled, Shutdown is
// called, or the configured request budget is exhausted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", *s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *s.cfg.Server.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("address", ln.Addr().String()).Msg("listening")

	go func() {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("context cancelled, shutting down")
		case <-s.recycle:
			s.log.Info().Int64("max_requests", *s.cfg.Server.MaxRequests).
				Msg("request budget exhausted, recycling")
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), s.gracefulTimeout)
		defer cancel()
		s.Shutdown(drainCtx)
	}()

	for {
		tc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(tc)
	}
}

func (s *Server) serveConn(tc net.Conn) {
	c := mux.NewConnection(
		tc,
		codec.NewServer(codec.Options{InitialWindowSize: *s.cfg.Server.InitialWindowSize}),
		s.handler,
		mux.Options{
			MaxRequestBodySize: *s.cfg.Server.MaxRequestBodySize,
			Logger:             s.log,
			Observers:          s.observers,
		},
	)
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		_ = tc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := c.Serve(); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("connection ended with error")
		}
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Shutdown stops the accept loop and drains every connection concurrently,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	ln := s.listener
	conns := make([]*mux.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	var drains sync.WaitGroup
	for _, c := range conns {
		drains.Add(1)
		go func(c *mux.Connection) {
			defer drains.Done()
			_ = c.Shutdown(ctx)
		}(c)
	}
	drains.Wait()
	s.wg.Wait()
	s.log.Info().Msg("server stopped")
}

// recycleObserver counts finished requests and trips the server's recycle
// signal once the budget is spent, the way pre-fork servers restart workers
// after max_requests.
type recycleObserver struct {
	server *Server
	max    int64
	count  atomic.Int64
}

func (r *recycleObserver) RequestStarted(req *mux.Request) {}

func (r *recycleObserver) RequestFinished(req *mux.Request, resp *mux.Response, bytesSent int64, elapsed time.Duration) {
	if r.count.Add(1) >= r.max {
		r.server.recycleOnce.Do(func() { close(r.server.recycle) })
	}
}

func (r *recycleObserver) RequestException(req *mux.Request, err error) {
	if r.count.Add(1) >= r.max {
		r.server.recycleOnce.Do(func() { close(r.server.recycle) })
	}
}
