package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"time"

	"gocloud.dev/pubsub"
)

// signalSupportedMethods: the signal-cli bridge can react to or send a
// message; it has no "delete own message" primitive exposed.
var signalSupportedMethods = map[ProbeMethod]bool{
	ProbeMethodReaction: true,
	ProbeMethodMessage:  true,
}

// SignalAdapter talks to the signal-cli REST bridge configured via
// SIGNAL_API_URL. Bridge unavailability is non-fatal: scheduling for
// signal targets halts until Ping succeeds again.
type SignalAdapter struct {
	httpClient *http.Client
	baseURL    string
	clock      Clock

	receiptTopic *pubsub.Topic
	receiptSub   *pubsub.Subscription
	receipts     chan Receipt
	dedupe       *receiptDeduper
	shutdown     chan struct{}
}

type SignalAdapterOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Clock        Clock
	ReceiptTopic *pubsub.Topic
	ReceiptSub   *pubsub.Subscription
}

func NewSignalAdapter(options SignalAdapterOptions) *SignalAdapter {
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}

	a := &SignalAdapter{
		httpClient:   options.HTTPClient,
		baseURL:      options.BaseURL,
		clock:        options.Clock,
		receiptTopic: options.ReceiptTopic,
		receiptSub:   options.ReceiptSub,
		receipts:     make(chan Receipt, 64),
		dedupe:       newReceiptDeduper(2 * time.Minute),
		shutdown:     make(chan struct{}),
	}

	if a.receiptSub != nil {
		go a.consumeReceipts()
	}
	return a
}

func (a *SignalAdapter) Channel() Channel { return ChannelSignal }

func (a *SignalAdapter) Receipts() <-chan Receipt { return a.receipts }

type signalProbeRequest struct {
	Recipient  string `json:"recipient"`
	Method     string `json:"method"`
	ProbeToken string `json:"probe_token"`
}

func (a *SignalAdapter) SendProbe(ctx context.Context, target string, method ProbeMethod) (string, int64, error) {
	if !signalSupportedMethods[method] {
		return "", 0, fmt.Errorf("%w: signal adapter does not support %q", ErrUnsupportedProbeMethod, method)
	}

	probeToken, err := randomToken()
	if err != nil {
		return "", 0, fmt.Errorf("generating probe token: %w", err)
	}

	body, err := json.Marshal(signalProbeRequest{Recipient: target, Method: string(method), ProbeToken: probeToken})
	if err != nil {
		return "", 0, fmt.Errorf("marshaling probe request: %w", err)
	}

	tracer := NewBridgeTracer()
	ctx = httptrace.WithClientTrace(ctx, tracer.ClientTrace())

	sendStart := a.clock.NowMs()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/probes", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrAdapterProbeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", 0, fmt.Errorf("%w: bridge returned status %d", ErrAdapterProbeFailed, resp.StatusCode)
	}

	timings := tracer.Timings()
	slog.DebugContext(ctx, "signal probe sent",
		slog.String("target", target), slog.String("probe_token", probeToken),
		slog.Int64("tls_handshake_ms", timings.TLSHandshakeMs))

	return probeToken, sendStart, nil
}

func (a *SignalAdapter) GetDisplayMetadata(ctx context.Context, target string) (*DisplayMetadata, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/profiles/"+target, nil)
	if err != nil {
		return nil, false, fmt.Errorf("building metadata request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching display metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("bridge returned status %d for profile metadata", resp.StatusCode)
	}

	var meta DisplayMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, false, fmt.Errorf("decoding display metadata: %w", err)
	}
	return &meta, true, nil
}

func (a *SignalAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: bridge health returned %d", ErrAdapterUnavailable, resp.StatusCode)
	}
	return nil
}

func (a *SignalAdapter) PublishReceipt(ctx context.Context, probeToken string, deliveredAtMs int64) error {
	if a.receiptTopic == nil {
		return fmt.Errorf("%w: no receipt topic configured", ErrAdapterUnavailable)
	}

	body, err := json.Marshal(Receipt{ProbeToken: probeToken, DeliveredTimestampMs: deliveredAtMs})
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	return a.receiptTopic.Send(ctx, &pubsub.Message{Body: body})
}

func (a *SignalAdapter) consumeReceipts() {
	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		ctx := context.Background()
		msg, err := a.receiptSub.Receive(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "receiving signal receipt", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var r Receipt
		if err := json.Unmarshal(msg.Body, &r); err != nil {
			slog.WarnContext(ctx, "discarding malformed signal receipt", slog.String("error", err.Error()))
			msg.Ack()
			continue
		}

		if !a.dedupe.admit(r.ProbeToken, time.Now()) {
			msg.Ack()
			continue
		}

		select {
		case a.receipts <- r:
		default:
			slog.WarnContext(ctx, "dropping signal receipt, channel full", slog.String("probe_token", r.ProbeToken))
		}
		msg.Ack()
	}
}

func (a *SignalAdapter) Close() {
	close(a.shutdown)
	if a.receiptSub != nil {
		a.receiptSub.Shutdown(context.Background())
	}
	if a.receiptTopic != nil {
		a.receiptTopic.Shutdown(context.Background())
	}
}
