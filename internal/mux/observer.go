package mux

import "time"

// Observer receives request lifecycle notifications. Every request that
// reaches its handler produces exactly one RequestStarted and then exactly
// one of RequestFinished or RequestException; cancelled requests produce
// neither completion notification unless the connection itself was lost.
//
// Observers are called from stream goroutines and must be safe for
// concurrent use.
type Observer interface {
	RequestStarted(req *Request)
	RequestFinished(req *Request, resp *Response, bytesSent int64, elapsed time.Duration)
	RequestException(req *Request, err error)
}

// multiObserver fans notifications out to a list of observers.
type multiObserver []Observer

func (m multiObserver) RequestStarted(req *Request) {
	for _, o := range m {
		o.RequestStarted(req)
	}
}

func (m multiObserver) RequestFinished(req *Request, resp *Response, bytesSent int64, elapsed time.Duration) {
	for _, o := range m {
		o.RequestFinished(req, resp, bytesSent, elapsed)
	}
}

func (m multiObserver) RequestException(req *Request, err error) {
	for _, o := range m {
		o.RequestException(req, err)
	}
}
