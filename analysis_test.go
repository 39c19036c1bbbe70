package main

import (
	"context"
	"testing"

	"github.com/guregu/null/v5"
)

func rowsFromRTTs(targetRTTs, localRTTs []int64, timestamps []int64) []Measurement {
	rows := make([]Measurement, len(targetRTTs))
	for i := range targetRTTs {
		rows[i] = Measurement{
			TimestampMs:       timestamps[i],
			TargetRTTMs:       null.IntFrom(targetRTTs[i]),
			LocalNetworkRTTMs: null.IntFrom(localRTTs[i]),
			Timeout:           false,
		}
	}
	return rows
}

// S1 — No baseline yet, consistent low latency.
func TestAnalysis_S1_FastPathNoBaseline(t *testing.T) {
	rows := rowsFromRTTs(
		[]int64{120, 140, 130, 110, 125},
		[]int64{20, 25, 22, 18, 24},
		[]int64{1000, 2000, 3000, 4000, 5000},
	)

	noise := computeNoiseScore(rows)
	if noise > 0.5 {
		t.Errorf("expected noise_score <= 0.5, got %v", noise)
	}

	responsiveness := computeResponsiveness(rows, Baseline{}, false)
	if responsiveness != 0 {
		t.Errorf("expected responsiveness 0 with no baseline, got %v", responsiveness)
	}

	confidence, fastPath := computeConfidence(rows, false, noise)
	if !fastPath {
		t.Fatal("expected fast path to trigger")
	}
	if confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", confidence)
	}

	state := deriveState(confidence, responsiveness, fastPath)
	if state != StateOnline {
		t.Errorf("expected Online via fast-path override, got %v", state)
	}
}

// S2 — High noise gate.
func TestAnalysis_S2_HighNoiseGate(t *testing.T) {
	var targetRTTs, localRTTs, timestamps []int64
	for i := 0; i < 10; i++ {
		ts := int64((i + 1) * 1000)
		if i%2 == 0 {
			targetRTTs = append(targetRTTs, 70)
			localRTTs = append(localRTTs, 20) // diff 50
		} else {
			targetRTTs = append(targetRTTs, 720)
			localRTTs = append(localRTTs, 20) // diff 700
		}
		timestamps = append(timestamps, ts)
	}
	rows := rowsFromRTTs(targetRTTs, localRTTs, timestamps)

	noise := computeNoiseScore(rows)
	if noise != 1.0 {
		t.Errorf("expected noise_score=1.0, got %v", noise)
	}

	confidence, _ := computeConfidence(rows, false, noise)
	if confidence != 0 {
		t.Errorf("expected confidence=0 under noise gate, got %v", confidence)
	}

	state := deriveState(confidence, 0.5, false)
	if state != StateUnknown {
		t.Errorf("expected Unknown, got %v", state)
	}
}

// S3 — All timeouts with baseline.
func TestAnalysis_S3_AllTimeoutsOffline(t *testing.T) {
	baseline := Baseline{MedianRTTMs: 150, IQRMs: 30, SampleCount: 10}
	var rows []Measurement
	for i := 0; i < 5; i++ {
		rows = append(rows, Measurement{TimestampMs: int64((i + 1) * 1000), Timeout: true})
	}

	noise := computeNoiseScore(rows)
	if noise != 0 {
		t.Errorf("expected noise_score=0 with no diff pairs, got %v", noise)
	}

	responsiveness := computeResponsiveness(rows, baseline, true)
	if responsiveness != 0.0 {
		t.Errorf("expected responsiveness=0.0 for all timeouts, got %v", responsiveness)
	}

	confidence, fastPath := computeConfidence(rows, true, noise)
	if confidence < 0.6 {
		t.Errorf("expected confidence >= 0.6, got %v", confidence)
	}

	state := deriveState(confidence, responsiveness, fastPath)
	if state != StateOffline {
		t.Errorf("expected Offline, got %v", state)
	}
}

// S4 — Responsive under baseline.
func TestAnalysis_S4_ResponsiveOnline(t *testing.T) {
	baseline := Baseline{MedianRTTMs: 150, IQRMs: 40, SampleCount: 10} // threshold = 210
	rows := rowsFromRTTs(
		[]int64{190, 200, 180, 205, 195},
		[]int64{20, 20, 20, 20, 20},
		[]int64{1000, 2000, 3000, 4000, 5000},
	)

	responsiveness := computeResponsiveness(rows, baseline, true)
	if responsiveness != 1.0 {
		t.Errorf("expected responsiveness=1.0, got %v", responsiveness)
	}

	noise := computeNoiseScore(rows)
	confidence, fastPath := computeConfidence(rows, true, noise)
	if confidence <= 0.6 {
		t.Errorf("expected confidence > 0.6, got %v", confidence)
	}

	state := deriveState(confidence, responsiveness, fastPath)
	if state != StateOnline {
		t.Errorf("expected Online, got %v", state)
	}
}

func TestAnalysis_AllTimeoutsNoBaselineIsUnknown(t *testing.T) {
	var rows []Measurement
	for i := 0; i < 5; i++ {
		rows = append(rows, Measurement{TimestampMs: int64((i + 1) * 1000), Timeout: true})
	}

	if fastPathEligible(rows) {
		t.Fatal("a window of nothing but timeouts must not fast-path")
	}

	noise := computeNoiseScore(rows)
	responsiveness := computeResponsiveness(rows, Baseline{}, false)
	if responsiveness != 0 {
		t.Errorf("expected responsiveness 0, got %v", responsiveness)
	}

	confidence, fastPath := computeConfidence(rows, false, noise)
	if fastPath {
		t.Error("expected no fast path without a single successful sample")
	}
	if confidence > 0.6 {
		t.Errorf("expected confidence <= 0.6 with no baseline and no successes, got %v", confidence)
	}

	state := deriveState(confidence, responsiveness, fastPath)
	if state != StateUnknown {
		t.Errorf("expected Unknown for an all-timeout window with no baseline, got %v", state)
	}
}

func TestAnalysis_FastPathIgnoresTimeoutRows(t *testing.T) {
	rows := []Measurement{
		{TimestampMs: 1000, TargetRTTMs: null.IntFrom(100), LocalNetworkRTTMs: null.IntFrom(10)},
		{TimestampMs: 2000, Timeout: true},
		{TimestampMs: 3000, TargetRTTMs: null.IntFrom(150), LocalNetworkRTTMs: null.IntFrom(10)},
	}
	if !fastPathEligible(rows) {
		t.Error("timeout rows should not disqualify the fast path")
	}
}

func TestAnalysis_RecomputabilityIsDeterministic(t *testing.T) {
	baseline := Baseline{MedianRTTMs: 150, IQRMs: 40, SampleCount: 10}
	rows := rowsFromRTTs(
		[]int64{190, 200, 180, 205, 195},
		[]int64{20, 20, 20, 20, 20},
		[]int64{1000, 2000, 3000, 4000, 5000},
	)

	noise1 := computeNoiseScore(rows)
	resp1 := computeResponsiveness(rows, baseline, true)
	conf1, fp1 := computeConfidence(rows, true, noise1)
	state1 := deriveState(conf1, resp1, fp1)

	noise2 := computeNoiseScore(rows)
	resp2 := computeResponsiveness(rows, baseline, true)
	conf2, fp2 := computeConfidence(rows, true, noise2)
	state2 := deriveState(conf2, resp2, fp2)

	if noise1 != noise2 || resp1 != resp2 || conf1 != conf2 || fp1 != fp2 || state1 != state2 {
		t.Fatal("expected byte-identical recomputation over the same raw rows")
	}
}

func TestAnalysisEngine_RunFor_SkipsBaselineBelowMinSample(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := SystemClock{}

	now := clock.NowMs()
	for i, rtt := range []int64{100, 110, 120} {
		err := store.AppendRaw(ctx, clock, Measurement{
			TimestampMs: now - int64(3-i)*1000,
			Channel:     ChannelWhatsApp,
			TargetID:    "t1",
			TargetRTTMs: null.IntFrom(rtt),
			ProbeMethod: ProbeMethodReaction,
		})
		if err != nil {
			t.Fatalf("appending row: %v", err)
		}
	}

	engine := NewAnalysisEngine(AnalysisEngineOptions{Store: store, Clock: clock})
	if err := engine.RunFor(ctx, "t1", ChannelWhatsApp); err != nil {
		t.Fatalf("RunFor failed: %v", err)
	}

	_, ok, err := store.GetBaseline(ctx, "t1")
	if err != nil {
		t.Fatalf("querying baseline: %v", err)
	}
	if ok {
		t.Error("expected no baseline row with fewer than 10 successful samples")
	}

	latest, ok, err := store.GetLatestAnalysis(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("expected an analysis window to be appended, err=%v ok=%v", err, ok)
	}
	// all 3 rows are well under the 1000ms fast-path cutoff, so the engine
	// is confident enough to call it Online despite having no baseline yet.
	if latest.DerivedState != StateOnline {
		t.Errorf("expected Online via fast path, got %v", latest.DerivedState)
	}
}
