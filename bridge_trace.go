package main

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// BridgeTracer captures connection-phase timings for one HTTP call to a
// platform bridge. The timings are diagnostic only, logged at debug level;
// they never feed into the probe RTT, which is measured from send start to
// delivery receipt.
type BridgeTracer struct {
	sync.Mutex
	connStart     time.Time
	connAcquired  time.Time
	firstRespByte time.Time
	dnsStart      time.Time
	dnsDone       time.Time
	tlsStart      time.Time
	tlsDone       time.Time
}

// BridgeTraceTimings are the per-phase durations of a traced bridge call.
// A zero field means that phase did not occur (reused connection, no TLS).
type BridgeTraceTimings struct {
	ConnAcquiredMs      int64 `json:"conn_acquired_ms"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
}

func NewBridgeTracer() *BridgeTracer {
	return &BridgeTracer{}
}

// ClientTrace returns the httptrace hooks that feed this tracer; attach it
// to the request context with httptrace.WithClientTrace.
func (bt *BridgeTracer) ClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) {
			bt.Lock()
			bt.connStart = time.Now()
			bt.Unlock()
		},
		GotConn: func(httptrace.GotConnInfo) {
			bt.Lock()
			bt.connAcquired = time.Now()
			bt.Unlock()
		},
		GotFirstResponseByte: func() {
			bt.Lock()
			bt.firstRespByte = time.Now()
			bt.Unlock()
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			bt.Lock()
			bt.dnsStart = time.Now()
			bt.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			bt.Lock()
			bt.dnsDone = time.Now()
			bt.Unlock()
		},
		TLSHandshakeStart: func() {
			bt.Lock()
			bt.tlsStart = time.Now()
			bt.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			bt.Lock()
			bt.tlsDone = time.Now()
			bt.Unlock()
		},
	}
}

func (bt *BridgeTracer) Timings() BridgeTraceTimings {
	bt.Lock()
	defer bt.Unlock()

	var timings BridgeTraceTimings
	timings.ConnAcquiredMs = spanMs(bt.connStart, bt.connAcquired)
	timings.FirstResponseByteMs = spanMs(bt.connAcquired, bt.firstRespByte)
	timings.DNSLookupMs = spanMs(bt.dnsStart, bt.dnsDone)
	timings.TLSHandshakeMs = spanMs(bt.tlsStart, bt.tlsDone)
	return timings
}

// spanMs returns the duration between two trace points in milliseconds, or
// 0 when either point was never recorded.
func spanMs(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from).Milliseconds()
}
