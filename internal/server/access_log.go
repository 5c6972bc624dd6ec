package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kozzztik/django-h2/internal/mux"
)

// AccessLogObserver writes one log record per completed or failed request.
type AccessLogObserver struct {
	log zerolog.Logger
}

func NewAccessLogObserver(log zerolog.Logger) *AccessLogObserver {
	return &AccessLogObserver{log: log}
}

func (a *AccessLogObserver) RequestStarted(req *mux.Request) {}

func (a *AccessLogObserver) RequestFinished(req *mux.Request, resp *mux.Response, bytesSent int64, elapsed time.Duration) {
	a.log.Info().
		Str("method", req.Method).
		Str("path", req.Path).
		Str("authority", req.Authority).
		Int("status", resp.Status).
		Int64("bytes", bytesSent).
		Dur("elapsed", elapsed).
		Msg("request")
}

func (a *AccessLogObserver) RequestException(req *mux.Request, err error) {
	a.log.Error().
		Err(err).
		Str("method", req.Method).
		Str("path", req.Path).
		Str("authority", req.Authority).
		Msg("request failed")
}
