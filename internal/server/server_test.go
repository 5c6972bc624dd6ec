package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozzztik/django-h2/internal/config"
	"github.com/kozzztik/django-h2/internal/mux"
)

func TestNewRejectsBadTimeouts(t *testing.T) {
	cfg := config.Default()
	bad := "not-a-duration"
	cfg.Server.HandlerTimeout = &bad
	_, err := New(cfg, zerolog.Nop(), FallbackHandler(nil))
	assert.Error(t, err)
}

func TestRecycleObserverTripsAtBudget(t *testing.T) {
	cfg := config.Default()
	max := int64(3)
	cfg.Server.MaxRequests = &max
	s, err := New(cfg, zerolog.Nop(), FallbackHandler(nil))
	require.NoError(t, err)

	var obs *recycleObserver
	for _, o := range s.observers {
		if ro, ok := o.(*recycleObserver); ok {
			obs = ro
		}
	}
	require.NotNil(t, obs, "max_requests > 0 attaches the recycle observer")

	req := &mux.Request{Method: "GET", Path: "/"}
	resp := &mux.Response{Status: 200}
	obs.RequestFinished(req, resp, 0, time.Millisecond)
	obs.RequestFinished(req, resp, 0, time.Millisecond)
	select {
	case <-s.recycle:
		t.Fatal("recycled before the budget was spent")
	default:
	}

	obs.RequestException(req, assert.AnError)
	select {
	case <-s.recycle:
	default:
		t.Fatal("budget spent but recycle signal not raised")
	}
}

func TestRecycleObserverDisabledByDefault(t *testing.T) {
	s, err := New(config.Default(), zerolog.Nop(), FallbackHandler(nil))
	require.NoError(t, err)
	for _, o := range s.observers {
		_, ok := o.(*recycleObserver)
		assert.False(t, ok)
	}
}
