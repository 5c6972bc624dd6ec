package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2/hpack"

	"github.com/kozzztik/django-h2/internal/config"
	"github.com/kozzztik/django-h2/internal/logger"
	"github.com/kozzztik/django-h2/internal/metrics"
	"github.com/kozzztik/django-h2/internal/mux"
	"github.com/kozzztik/django-h2/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	log := logger.New(cfg.Logging, os.Stderr)

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	if addr := *cfg.Server.MetricsAddress; addr != "" {
		mh := http.NewServeMux()
		mh.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Info().Str("address", addr).Msg("metrics listening")
			if err := http.ListenAndServe(addr, mh); err != nil {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	srv, err := server.New(cfg, log, demoHandler(),
		collector, server.NewAccessLogObserver(log))
	if err != nil {
		log.Fatal().Err(err).Msg("server setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// demoHandler is a small built-in application: a health endpoint, an echo
// endpoint and a server-sent-events ticker.
func demoHandler() mux.Handler {
	return mux.HandlerFunc(func(ctx context.Context, req *mux.Request) (*mux.Response, error) {
		switch req.Path {
		case "/healthz":
			return textResponse(200, "ok\n"), nil
		case "/echo":
			return &mux.Response{
				Status: 200,
				Headers: []hpack.HeaderField{
					{Name: "content-type", Value: req.Header("content-type")},
					{Name: "content-length", Value: strconv.Itoa(len(req.Body))},
				},
				Body: req.Body,
			}, nil
		case "/events":
			ch := make(chan server.SSEEvent)
			go func() {
				defer close(ch)
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for i := 0; ; i++ {
					select {
					case t := <-ticker.C:
						ev := server.SSEEvent{
							Name: "tick",
							Data: t.Format(time.RFC3339),
							ID:   strconv.Itoa(i),
						}
						select {
						case ch <- ev:
						case <-ctx.Done():
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()
			return server.SSEResponse(ch), nil
		default:
			return textResponse(404, "not found\n"), nil
		}
	})
}

func textResponse(status int, body string) *mux.Response {
	return &mux.Response{
		Status: status,
		Headers: []hpack.HeaderField{
			{Name: "content-type", Value: "text/plain; charset=utf-8"},
			{Name: "content-length", Value: strconv.Itoa(len(body))},
		},
		Body: []byte(body),
	}
}
