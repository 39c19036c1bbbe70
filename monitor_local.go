package main

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/guregu/null/v5"
)

const (
	defaultPingIntervalMs = 2000
	defaultReferenceHost  = "1.1.1.1"
	defaultReferencePort  = "80"
	defaultMonitorTimeout = time.Second
	ringBufferSize        = 50
	minVarianceSamples    = 6
)

// LocalNetworkMonitor is the singleton, target-independent control signal:
// a TCP handshake probe against a fixed reference endpoint, run on a
// fixed interval. It never surfaces errors to callers; failures simply
// drive the packet loss rate up.
type LocalNetworkMonitor struct {
	store         *Store
	clock         Clock
	pingInterval  time.Duration
	dialTimeout   time.Duration
	referenceHost string
	referencePort string

	mu     sync.Mutex
	ring   [ringBufferSize]null.Int
	filled int
	head   int

	shutdown chan struct{}
	started  bool
	stopped  bool
}

type LocalNetworkMonitorOptions struct {
	Store         *Store
	Clock         Clock
	PingInterval  time.Duration
	DialTimeout   time.Duration
	ReferenceHost string
	ReferencePort string
}

func NewLocalNetworkMonitor(options LocalNetworkMonitorOptions) *LocalNetworkMonitor {
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}
	if options.PingInterval == 0 {
		options.PingInterval = defaultPingIntervalMs * time.Millisecond
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = defaultMonitorTimeout
	}
	if options.ReferenceHost == "" {
		options.ReferenceHost = defaultReferenceHost
	}
	if options.ReferencePort == "" {
		options.ReferencePort = defaultReferencePort
	}

	return &LocalNetworkMonitor{
		store:         options.Store,
		clock:         options.Clock,
		pingInterval:  options.PingInterval,
		dialTimeout:   options.DialTimeout,
		referenceHost: options.ReferenceHost,
		referencePort: options.ReferencePort,
		shutdown:      make(chan struct{}),
	}
}

// Start is idempotent; calling it twice is a no-op. Blocks until Stop.
func (m *LocalNetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

// Stop is idempotent.
func (m *LocalNetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.shutdown)
}

func (m *LocalNetworkMonitor) probeOnce(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	address := net.JoinHostPort(m.referenceHost, m.referencePort)
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)

	var sample LocalNetworkSample
	sample.TimestampMs = m.clock.NowMs()
	sample.ReferenceTarget = address

	if err != nil {
		sample.Timeout = true
		slog.DebugContext(ctx, "local network probe failed", slog.String("error", err.Error()), slog.String("target", address))
	} else {
		conn.Close()
		rtt := time.Since(start).Milliseconds()
		sample.RTTMs = null.IntFrom(rtt)
		sample.Timeout = false
	}

	m.mu.Lock()
	m.ring[m.head] = sample.RTTMs
	m.head = (m.head + 1) % ringBufferSize
	if m.filled < ringBufferSize {
		m.filled++
	}
	lossRate, variance := m.computeLocked()
	m.mu.Unlock()

	sample.PacketLossRate = lossRate
	sample.VarianceMs = int64(variance)

	if m.store != nil {
		if err := m.store.AppendLocal(ctx, m.clock, sample); err != nil {
			slog.ErrorContext(ctx, "persisting local network sample", slog.String("error", err.Error()))
		}
	}
}

// computeLocked recomputes packet_loss_rate and variance_ms over the
// current ring buffer contents. Caller holds m.mu.
func (m *LocalNetworkMonitor) computeLocked() (lossRate, variance float64) {
	var nullCount int
	var valid []float64
	for i := 0; i < m.filled; i++ {
		v := m.ring[i]
		if !v.Valid {
			nullCount++
			continue
		}
		valid = append(valid, float64(v.Int64))
	}

	denom := m.filled
	if denom == 0 {
		return 0, 0
	}
	lossRate = float64(nullCount) / float64(denom)

	if len(valid) < minVarianceSamples {
		return lossRate, 0
	}
	return lossRate, populationStdDev(valid)
}

// CurrentRTT returns the most recent sample's RTT, or no value if that
// sample was a failure or none has been taken yet.
func (m *LocalNetworkMonitor) CurrentRTT() null.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return null.Int{}
	}
	lastIdx := (m.head - 1 + ringBufferSize) % ringBufferSize
	return m.ring[lastIdx]
}

// CurrentLossRate returns the packet loss rate over the current ring
// buffer window, in [0,1].
func (m *LocalNetworkMonitor) CurrentLossRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate, _ := m.computeLocked()
	return rate
}
