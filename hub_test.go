package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guregu/null/v5"
)

func TestCanonicalizeTarget(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		channel    Channel
		expected   string
	}{
		{name: "whatsapp formatted number", identifier: "+62 812-3456", channel: ChannelWhatsApp, expected: "628123456@s.whatsapp.net"},
		{name: "whatsapp bare digits", identifier: "628123456", channel: ChannelWhatsApp, expected: "628123456@s.whatsapp.net"},
		{name: "signal with punctuation", identifier: "(555) 012-3456", channel: ChannelSignal, expected: "signal:5550123456"},
		{name: "signal plus prefix", identifier: "+15550123456", channel: ChannelSignal, expected: "signal:15550123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalizeTarget(tt.identifier, tt.channel); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestLiveUpdateHub_SubscribeReceivesFanOut(t *testing.T) {
	hub, _ := newTestHub(t)

	updates := hub.Subscribe("t1")
	defer hub.Unsubscribe("t1", updates)

	payload := UpdatePayload{
		TargetID:   "t1",
		Channel:    ChannelWhatsApp,
		RTTMs:      null.IntFrom(130),
		State:      StateOnline,
		Confidence: 0.9,
	}
	hub.fanOut(payload)

	select {
	case got := <-updates:
		if got.TargetID != "t1" || got.State != StateOnline {
			t.Errorf("unexpected payload: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out update")
	}
}

func TestLiveUpdateHub_FanOutSkipsOtherTargets(t *testing.T) {
	hub, _ := newTestHub(t)

	updates := hub.Subscribe("t1")
	defer hub.Unsubscribe("t1", updates)

	hub.fanOut(UpdatePayload{TargetID: "t2", State: StateStandby})

	select {
	case got := <-updates:
		t.Fatalf("expected no update for a different target, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLiveUpdateHub_RemoveTargetClosesSubscribers(t *testing.T) {
	hub, _ := newTestHub(t)

	target, err := hub.AddTarget(context.Background(), "628123", ChannelWhatsApp, ProbeMethodReaction)
	if err != nil {
		t.Fatalf("adding target: %v", err)
	}

	updates := hub.Subscribe(target.TargetID)

	if err := hub.RemoveTarget(target.TargetID); err != nil {
		t.Fatalf("removing target: %v", err)
	}

	select {
	case _, open := <-updates:
		if open {
			t.Error("expected subscriber channel to be closed after remove")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close")
	}

	if len(hub.ListTargets()) != 0 {
		t.Error("expected no tracked targets after remove")
	}
}

func TestLiveUpdateHub_UnsubscribeAfterRemoveTargetIsNoOp(t *testing.T) {
	hub, _ := newTestHub(t)

	target, err := hub.AddTarget(context.Background(), "628123", ChannelWhatsApp, ProbeMethodReaction)
	if err != nil {
		t.Fatalf("adding target: %v", err)
	}

	updates := hub.Subscribe(target.TargetID)

	if err := hub.RemoveTarget(target.TargetID); err != nil {
		t.Fatalf("removing target: %v", err)
	}

	// The streaming handler's deferred Unsubscribe runs after the remove
	// already closed the channel; it must not close a second time.
	hub.Unsubscribe(target.TargetID, updates)

	// A broadcast racing the removal must not send on the closed channel.
	hub.fanOut(UpdatePayload{TargetID: target.TargetID, State: StateOnline})
}

func TestLiveUpdateHub_SetProbeMethodUnknownTarget(t *testing.T) {
	hub, _ := newTestHub(t)

	err := hub.SetProbeMethod(context.Background(), "missing", ProbeMethodDelete)
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatal("expected ErrTargetNotFound for unknown target")
	}
}

func TestLiveUpdateHub_AddTargetUnknownChannel(t *testing.T) {
	hub, _ := newTestHub(t)

	_, err := hub.AddTarget(context.Background(), "123", Channel("telegram"), ProbeMethodReaction)
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}
