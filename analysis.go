package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	baselineLookback  = 1000
	baselineMinSample = 10
	analysisWindow    = 60 * time.Second
	sweepInterval     = 60 * time.Second
)

// AnalysisEngine computes, per (target, channel), the baseline, noise
// score, responsiveness score, confidence score and the gated derived
// state. It is triggered by measurement-completed
// notifications and by a periodic sweep; runs for the same target are
// serialized so the newest AnalysisWindow row is deterministic.
type AnalysisEngine struct {
	store *Store
	clock Clock
	hub   *LiveUpdateHub

	baselineMu sync.RWMutex
	baselines  map[string]Baseline // read-through cache of the store; never authoritative

	runMu    sync.Mutex
	runLocks map[string]*sync.Mutex // per-target serialization

	shutdown chan struct{}
}

type AnalysisEngineOptions struct {
	Store *Store
	Clock Clock
	Hub   *LiveUpdateHub
}

func NewAnalysisEngine(options AnalysisEngineOptions) *AnalysisEngine {
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}
	return &AnalysisEngine{
		store:     options.Store,
		clock:     options.Clock,
		hub:       options.Hub,
		baselines: make(map[string]Baseline),
		runLocks:  make(map[string]*sync.Mutex),
		shutdown:  make(chan struct{}),
	}
}

// lockFor returns the serialization mutex for targetID, creating it on
// first use.
func (e *AnalysisEngine) lockFor(targetID string) *sync.Mutex {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if l, ok := e.runLocks[targetID]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.runLocks[targetID] = l
	return l
}

// OnMeasurement is the measurement-completed hook wired into the
// ProbeScheduler: it triggers an immediate analysis run for the affected
// target.
func (e *AnalysisEngine) OnMeasurement(targetID string, channel Channel) {
	ctx := context.Background()
	if err := e.RunFor(ctx, targetID, channel); err != nil {
		slog.ErrorContext(ctx, "analysis run after measurement failed", slog.String("target_id", targetID), slog.String("error", err.Error()))
	}
}

// RunPeriodicSweep runs analysis every sweepInterval for every target that
// targets returns. It blocks until Stop is called or ctx is done; call it
// in its own goroutine.
func (e *AnalysisEngine) RunPeriodicSweep(ctx context.Context, targets func() []Target) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, target := range targets() {
				if err := e.RunFor(ctx, target.TargetID, target.Channel); err != nil {
					slog.ErrorContext(ctx, "periodic analysis sweep failed for target", slog.String("target_id", target.TargetID), slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (e *AnalysisEngine) Stop() {
	close(e.shutdown)
}

// RunFor executes one analysis run for (targetID, channel), serialized
// against any concurrent run for the same target.
func (e *AnalysisEngine) RunFor(ctx context.Context, targetID string, channel Channel) error {
	lock := e.lockFor(targetID)
	lock.Lock()
	defer lock.Unlock()

	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("AnalysisEngine.RunFor"))
	ctx = span.Context()
	defer span.Finish()

	now := e.clock.NowMs()

	// Step 1 — baseline update.
	baseline, hasBaseline, err := e.updateBaseline(ctx, targetID, channel, now)
	if err != nil {
		return fmt.Errorf("updating baseline: %w", err)
	}

	// Step 2 — window selection.
	startMs := now - analysisWindow.Milliseconds()
	rows, err := e.store.GetRawInWindow(ctx, targetID, channel, startMs, now)
	if err != nil {
		return fmt.Errorf("loading analysis window: %w", err)
	}

	noise := computeNoiseScore(rows)
	responsiveness := computeResponsiveness(rows, baseline, hasBaseline)
	confidence, fastPath := computeConfidence(rows, hasBaseline, noise)
	state := deriveState(confidence, responsiveness, fastPath)

	window := AnalysisWindow{
		StartMs:             startMs,
		EndMs:               now,
		TargetID:            targetID,
		Channel:             channel,
		SampleCount:         int64(len(rows)),
		NoiseScore:          noise,
		ResponsivenessScore: responsiveness,
		ConfidenceScore:     confidence,
		DerivedState:        state,
	}

	if err := e.store.AppendAnalysis(ctx, e.clock, window); err != nil {
		return fmt.Errorf("appending analysis window: %w", err)
	}

	if e.hub != nil {
		e.hub.publishUpdate(ctx, targetID, channel, rows, window, baseline, hasBaseline)
	}

	return nil
}

// updateBaseline implements Step 1: skip if fewer than 10 successful
// samples exist; otherwise recompute min/median/iqr over the most recent
// 1000 and upsert + cache.
func (e *AnalysisEngine) updateBaseline(ctx context.Context, targetID string, channel Channel, nowMs int64) (Baseline, bool, error) {
	rtts, err := e.store.GetRecentSuccessRTTs(ctx, targetID, channel, baselineLookback)
	if err != nil {
		return Baseline{}, false, fmt.Errorf("loading recent success rtts: %w", err)
	}

	if len(rtts) < baselineMinSample {
		return e.cachedBaseline(targetID)
	}

	values := make([]float64, len(rtts))
	for i, v := range rtts {
		values[i] = float64(v)
	}
	sorted := sortedCopy(values)

	baseline := Baseline{
		TargetID:    targetID,
		Channel:     channel,
		MinRTTMs:    int64(minSorted(sorted)),
		MedianRTTMs: medianSorted(sorted),
		IQRMs:       iqrSorted(sorted),
		UpdatedAtMs: nowMs,
		SampleCount: int64(len(rtts)),
	}

	if err := e.store.UpsertBaseline(ctx, e.clock, baseline); err != nil {
		return Baseline{}, false, fmt.Errorf("upserting baseline: %w", err)
	}

	e.baselineMu.Lock()
	e.baselines[targetID] = baseline
	e.baselineMu.Unlock()

	return baseline, true, nil
}

func (e *AnalysisEngine) cachedBaseline(targetID string) (Baseline, bool, error) {
	e.baselineMu.RLock()
	b, ok := e.baselines[targetID]
	e.baselineMu.RUnlock()
	if ok {
		return b, true, nil
	}

	b, ok, err := e.store.GetBaseline(context.Background(), targetID)
	if err != nil {
		return Baseline{}, false, err
	}
	if ok {
		e.baselineMu.Lock()
		e.baselines[targetID] = b
		e.baselineMu.Unlock()
	}
	return b, ok, nil
}

// computeNoiseScore implements Step 3.
func computeNoiseScore(rows []Measurement) float64 {
	var diffs []float64
	for _, r := range rows {
		if r.TargetRTTMs.Valid && r.LocalNetworkRTTMs.Valid {
			d := r.TargetRTTMs.Int64 - r.LocalNetworkRTTMs.Int64
			if d < 0 {
				d = -d
			}
			diffs = append(diffs, float64(d))
		}
	}
	if len(diffs) < 2 {
		return 0
	}
	iqrD := iqrSorted(sortedCopy(diffs))
	score := iqrD / 500
	if score > 1 {
		return 1
	}
	return score
}

// computeResponsiveness implements Step 4.
func computeResponsiveness(rows []Measurement, baseline Baseline, hasBaseline bool) float64 {
	var total, valid float64

	for _, r := range rows {
		if r.Timeout {
			total += 0
			valid++
			continue
		}
		if !r.TargetRTTMs.Valid {
			continue
		}
		if !hasBaseline {
			continue
		}

		local := int64(0)
		if r.LocalNetworkRTTMs.Valid {
			local = r.LocalNetworkRTTMs.Int64
		}
		normalized := r.TargetRTTMs.Int64 - local
		if normalized < 0 {
			normalized = 0
		}

		threshold := baseline.Threshold()
		switch {
		case float64(normalized) <= threshold:
			total += 1.0
		case float64(normalized) <= 2*threshold:
			total += 0.5
		default:
			total += 0.1
		}
		valid++
	}

	if valid == 0 {
		return 0
	}
	return total / valid
}

// fastPathEligible reports whether a window with no baseline still
// carries enough evidence for confidence 0.8: at least 3 samples, at
// least one of them with a known target RTT, and every row with a known
// target RTT satisfying normalized < 1000ms. Timeout rows never
// disqualify it, but a window of nothing but timeouts is not evidence of
// responsiveness and must not fast-path.
func fastPathEligible(rows []Measurement) bool {
	if len(rows) < 3 {
		return false
	}
	var successes int
	for _, r := range rows {
		if !r.TargetRTTMs.Valid {
			continue
		}
		local := int64(0)
		if r.LocalNetworkRTTMs.Valid {
			local = r.LocalNetworkRTTMs.Int64
		}
		normalized := r.TargetRTTMs.Int64 - local
		if normalized >= 1000 {
			return false
		}
		successes++
	}
	return successes > 0
}

// computeConfidence applies the fast-path assignment before the noise
// gate, so a noisy fast-path window still ends up at confidence=0.
func computeConfidence(rows []Measurement, hasBaseline bool, noise float64) (confidence float64, fastPath bool) {
	confidence = 1.0
	samples := len(rows)

	if !hasBaseline {
		if fastPathEligible(rows) {
			confidence = 0.8
			fastPath = true
		} else {
			confidence *= 0.1
		}
	}

	if noise > 0.5 {
		confidence = 0 // noise gating is non-negotiable
	}

	if samples < 3 {
		confidence *= 0.5
	}

	return confidence, fastPath
}

// deriveState gates the scores into the final label. The fast path wins
// over the all-timeouts check: with no baseline, every successful row is
// excluded from responsiveness, so a low-latency fast-path window scores
// 0 without being offline.
func deriveState(confidence, responsiveness float64, fastPath bool) TrackerState {
	switch {
	case confidence <= 0.6:
		return StateUnknown
	case fastPath:
		return StateOnline
	case responsiveness == 0.0:
		return StateOffline
	case responsiveness > 0.8:
		return StateOnline
	default:
		return StateStandby
	}
}
