package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
	"gocloud.dev/pubsub"
)

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizeTarget normalizes a raw identifier (a phone number, with or
// without formatting) into the platform-specific target_id the rest of
// the core uses.
func CanonicalizeTarget(identifier string, channel Channel) string {
	digits := nonDigits.ReplaceAllString(identifier, "")
	switch channel {
	case ChannelWhatsApp:
		return digits + "@s.whatsapp.net"
	case ChannelSignal:
		return "signal:" + digits
	default:
		return digits
	}
}

// LiveUpdateHub fans out derived state to subscribed clients and serves
// historical queries backed by the store. It owns target lifecycle: the
// scheduler only knows about targets the hub told it to track.
type LiveUpdateHub struct {
	store     *Store
	scheduler *ProbeScheduler
	adapters  map[Channel]PlatformAdapter

	updatesTopic *pubsub.Topic
	updatesSub   *pubsub.Subscription

	mu          sync.Mutex
	targets     map[string]Target
	subscribers map[string]map[chan UpdatePayload]struct{}

	shutdown chan struct{}
}

type LiveUpdateHubOptions struct {
	Store        *Store
	Scheduler    *ProbeScheduler
	Adapters     map[Channel]PlatformAdapter
	UpdatesTopic *pubsub.Topic
	UpdatesSub   *pubsub.Subscription
}

func NewLiveUpdateHub(options LiveUpdateHubOptions) *LiveUpdateHub {
	return &LiveUpdateHub{
		store:        options.Store,
		scheduler:    options.Scheduler,
		adapters:     options.Adapters,
		updatesTopic: options.UpdatesTopic,
		updatesSub:   options.UpdatesSub,
		targets:      make(map[string]Target),
		subscribers:  make(map[string]map[chan UpdatePayload]struct{}),
		shutdown:     make(chan struct{}),
	}
}

// Start runs the broadcaster loop: a pubsub.Subscription.Receive loop over
// updatesSub, fanning each decoded UpdatePayload out to that target's
// subscriber channels. Blocks until Stop(); call it in its own goroutine.
func (h *LiveUpdateHub) Start() error {
	for {
		select {
		case <-h.shutdown:
			return nil
		default:
		}

		ctx := context.Background()
		msg, err := h.updatesSub.Receive(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "receiving update broadcast", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		span := sentry.StartSpan(ctx, "function", sentry.WithDescription("LiveUpdateHub broadcast"))
		ctx = span.Context()

		var payload UpdatePayload
		if err := json.Unmarshal(msg.Body, &payload); err != nil {
			slog.ErrorContext(ctx, "unmarshaling update payload", slog.String("error", err.Error()))
			msg.Ack()
			span.Finish()
			continue
		}

		h.fanOut(payload)
		msg.Ack()
		span.Finish()
	}
}

func (h *LiveUpdateHub) Stop() error {
	close(h.shutdown)
	return nil
}

// fanOut delivers payload to every subscriber of its target. Sends are
// non-blocking and happen under h.mu: a channel still present in the map
// is guaranteed not yet closed, since closing also happens under h.mu
// after removal from the map.
func (h *LiveUpdateHub) fanOut(payload UpdatePayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers[payload.TargetID] {
		select {
		case ch <- payload:
		default:
			slog.Warn("dropping update for slow subscriber", slog.String("target_id", payload.TargetID))
		}
	}
}

// publishUpdate is called by the analysis engine at the end of each run.
// It builds the UpdatePayload from the latest raw row in the window plus
// the just-computed scores, and publishes it for Start's broadcaster loop
// to fan out.
func (h *LiveUpdateHub) publishUpdate(ctx context.Context, targetID string, channel Channel, rows []Measurement, window AnalysisWindow, baseline Baseline, hasBaseline bool) {
	payload := UpdatePayload{
		TargetID:       targetID,
		Channel:        channel,
		State:          window.DerivedState,
		Confidence:     window.ConfidenceScore,
		Noise:          window.NoiseScore,
		Responsiveness: window.ResponsivenessScore,
		TimestampMs:    window.EndMs,
	}

	if len(rows) > 0 {
		latest := rows[len(rows)-1]
		payload.RTTMs = latest.TargetRTTMs
		payload.TimestampMs = latest.TimestampMs
	}

	if hasBaseline {
		payload.Median = null.FloatFrom(baseline.MedianRTTMs)
		payload.Threshold = null.FloatFrom(baseline.Threshold())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshaling update payload", slog.String("error", err.Error()))
		return
	}

	if h.updatesTopic == nil {
		h.fanOut(payload) // no broker configured: fan out synchronously
		return
	}

	if err := h.updatesTopic.Send(ctx, &pubsub.Message{Body: body}); err != nil {
		slog.ErrorContext(ctx, "publishing update", slog.String("error", err.Error()))
	}
}

// ListTargets returns the currently tracked (target_id, channel) set.
func (h *LiveUpdateHub) ListTargets() []Target {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Target, 0, len(h.targets))
	for _, t := range h.targets {
		out = append(out, t)
	}
	return out
}

// Subscribe returns a stream of UpdatePayload for targetID, delivered on
// each analysis completion. The caller must call Unsubscribe when done;
// if the target is removed first the channel is closed by RemoveTarget
// and the later Unsubscribe is a no-op.
func (h *LiveUpdateHub) Subscribe(targetID string) chan UpdatePayload {
	ch := make(chan UpdatePayload, 16)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[targetID] == nil {
		h.subscribers[targetID] = make(map[chan UpdatePayload]struct{})
	}
	h.subscribers[targetID][ch] = struct{}{}
	return ch
}

// Unsubscribe closes ch unless RemoveTarget already did. Presence in the
// subscriber map is the ownership token: whoever removes the channel from
// the map, under h.mu, is the one that closes it.
func (h *LiveUpdateHub) Unsubscribe(targetID string, ch chan UpdatePayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[targetID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
}

// AddTarget resolves identifier to a canonical target_id, begins tracking
// it on the channel's adapter, and returns the resolved target.
func (h *LiveUpdateHub) AddTarget(ctx context.Context, identifier string, channel Channel, method ProbeMethod) (Target, error) {
	if !channel.Valid() {
		return Target{}, fmt.Errorf("%w: unknown channel %q", ErrConfigInvalid, channel)
	}

	adapter, ok := h.adapters[channel]
	if !ok {
		return Target{}, fmt.Errorf("%w: no adapter registered for %q", ErrAdapterUnavailable, channel)
	}

	targetID := CanonicalizeTarget(identifier, channel)
	target := Target{TargetID: targetID, Identifier: identifier, Channel: channel, ProbeMethod: method}

	h.mu.Lock()
	h.targets[targetID] = target
	h.mu.Unlock()

	// The probe cycle outlives the add-target request; keep the caller's
	// values (sentry hub) but not its cancellation.
	h.scheduler.Track(context.WithoutCancel(ctx), targetID, identifier, channel, method, adapter)
	return target, nil
}

// SetProbeMethod implements `set-probe-method`: it restarts the target's
// scheduler cycle under the new probe variant. The in-flight cycle, if
// any, is cancelled and discarded exactly as StopTracking does; no row is
// appended for it.
func (h *LiveUpdateHub) SetProbeMethod(ctx context.Context, targetID string, method ProbeMethod) error {
	if !method.Valid() {
		return fmt.Errorf("%w: unknown probe method %q", ErrConfigInvalid, method)
	}

	h.mu.Lock()
	target, ok := h.targets[targetID]
	if !ok {
		h.mu.Unlock()
		return ErrTargetNotFound
	}
	target.ProbeMethod = method
	h.targets[targetID] = target
	h.mu.Unlock()

	adapter, ok := h.adapters[target.Channel]
	if !ok {
		return fmt.Errorf("%w: no adapter registered for %q", ErrAdapterUnavailable, target.Channel)
	}

	h.scheduler.StopTracking(targetID)
	h.scheduler.Track(context.WithoutCancel(ctx), targetID, target.Identifier, target.Channel, method, adapter)
	return nil
}

// RemoveTarget stops scheduling and subscriptions for targetID. Historical
// data in the store is untouched. Subscriber channels are removed from the
// map and closed under h.mu, so a streaming client's deferred Unsubscribe
// sees them gone and does not close twice.
func (h *LiveUpdateHub) RemoveTarget(targetID string) error {
	h.mu.Lock()
	if _, ok := h.targets[targetID]; !ok {
		h.mu.Unlock()
		return ErrTargetNotFound
	}
	delete(h.targets, targetID)
	subs := h.subscribers[targetID]
	delete(h.subscribers, targetID)
	for ch := range subs {
		close(ch)
	}
	h.mu.Unlock()

	h.scheduler.StopTracking(targetID)
	return nil
}

func (h *LiveUpdateHub) GetAvailableDays(ctx context.Context, targetID string) ([]string, error) {
	return h.store.GetAvailableDays(ctx, targetID)
}

func (h *LiveUpdateHub) GetRawForDay(ctx context.Context, targetID, localDate string) ([]Measurement, error) {
	return h.store.GetRawForDay(ctx, targetID, localDate)
}
