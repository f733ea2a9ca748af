package performance

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// RequestTimings breaks a request down into connection phases.
//
// Blocked covers everything before a usable connection: waiting for an idle
// connection, DNS, TCP connect and the TLS handshake. DNSLookup, Connecting
// and TLSHandshaking are the parts of Blocked spent in each phase and are
// zero when a kept-alive connection was reused. Waiting is the time from the
// connection being ready to the first response byte.
type RequestTimings struct {
	Blocked        time.Duration `json:"blocked"`
	DNSLookup      time.Duration `json:"dnsLookup"`
	Connecting     time.Duration `json:"connecting"`
	TLSHandshaking time.Duration `json:"tlsHandshaking"`
	Waiting        time.Duration `json:"waiting"`
}

// requestTrace records phase timestamps for one request. Dial hooks can run
// on transport goroutines, so every field is guarded by mu.
type requestTrace struct {
	mu sync.Mutex

	start     time.Time
	dnsStart  time.Time
	connStart time.Time
	tlsStart  time.Time
	gotConn   time.Time
	firstByte time.Time

	timings RequestTimings
}

func newRequestTrace(start time.Time) *requestTrace {
	return &requestTrace{start: start}
}

func (rt *requestTrace) withContext(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			rt.mu.Lock()
			rt.dnsStart = time.Now()
			rt.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			rt.mu.Lock()
			if !rt.dnsStart.IsZero() {
				rt.timings.DNSLookup = time.Since(rt.dnsStart)
			}
			rt.mu.Unlock()
		},
		ConnectStart: func(network, addr string) {
			rt.mu.Lock()
			rt.connStart = time.Now()
			rt.mu.Unlock()
		},
		ConnectDone: func(network, addr string, err error) {
			rt.mu.Lock()
			if err == nil && !rt.connStart.IsZero() {
				rt.timings.Connecting = time.Since(rt.connStart)
			}
			rt.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			rt.mu.Lock()
			rt.tlsStart = time.Now()
			rt.mu.Unlock()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			rt.mu.Lock()
			if err == nil && !rt.tlsStart.IsZero() {
				rt.timings.TLSHandshaking = time.Since(rt.tlsStart)
			}
			rt.mu.Unlock()
		},
		GotConn: func(httptrace.GotConnInfo) {
			rt.mu.Lock()
			// a redirect hop gets a second connection; keep the first
			if rt.gotConn.IsZero() {
				rt.gotConn = time.Now()
				rt.timings.Blocked = rt.gotConn.Sub(rt.start)
			}
			rt.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			rt.mu.Lock()
			if rt.firstByte.IsZero() {
				rt.firstByte = time.Now()
				if !rt.gotConn.IsZero() {
					rt.timings.Waiting = rt.firstByte.Sub(rt.gotConn)
				}
			}
			rt.mu.Unlock()
		},
	})
}

// finish returns the phase timings and the request duration ending at end.
// The duration starts once a connection is ready, so dial and handshake time
// is excluded. A request that never got a connection is measured from start.
func (rt *requestTrace) finish(end time.Time) (RequestTimings, time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.gotConn.IsZero() {
		return rt.timings, end.Sub(rt.start)
	}
	return rt.timings, end.Sub(rt.gotConn)
}
