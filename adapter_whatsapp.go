package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

// whatsAppSupportedMethods are the probe variants the bridge can perform
// as an observable, non-visible side effect. "message" is deliberately
// unsupported: a literal message send is not ephemeral enough to serve as
// a silent probe on this platform.
var whatsAppSupportedMethods = map[ProbeMethod]bool{
	ProbeMethodDelete:   true,
	ProbeMethodReaction: true,
}

// WhatsAppAdapter talks to an external WhatsApp-Web bridge process over
// HTTP for sends, and receives delivery receipts via a webhook the bridge
// calls back into (published onto receiptTopic by the HTTP handler in
// server.go, consumed here).
type WhatsAppAdapter struct {
	httpClient *http.Client
	baseURL    string
	clock      Clock

	receiptTopic *pubsub.Topic
	receiptSub   *pubsub.Subscription
	receipts     chan Receipt
	dedupe       *receiptDeduper
	shutdown     chan struct{}
}

type WhatsAppAdapterOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Clock        Clock
	ReceiptTopic *pubsub.Topic
	ReceiptSub   *pubsub.Subscription
}

func NewWhatsAppAdapter(options WhatsAppAdapterOptions) *WhatsAppAdapter {
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	if options.Clock == nil {
		options.Clock = SystemClock{}
	}

	a := &WhatsAppAdapter{
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

func (a *WhatsAppAdapter) Channel() Channel { return ChannelWhatsApp }

func (a *WhatsAppAdapter) Receipts() <-chan Receipt { return a.receipts }

type whatsAppProbeRequest struct {
	Target     string `json:"target"`
	Method     string `json:"method"`
	ProbeToken string `json:"probe_token"`
}

func (a *WhatsAppAdapter) SendProbe(ctx context.Context, target string, method ProbeMethod) (string, int64, error) {
	if !whatsAppSupportedMethods[method] {
		return "", 0, fmt.Errorf("%w: whatsapp adapter does not support %q", ErrUnsupportedProbeMethod, method)
	}

	probeToken, err := randomToken()
	if err != nil {
		return "", 0, fmt.Errorf("generating probe token: %w", err)
	}

	body, err := json.Marshal(whatsAppProbeRequest{Target: target, Method: string(method), ProbeToken: probeToken})
	if err != nil {
		return "", 0, fmt.Errorf("marshaling probe request: %w", err)
	}

	tracer := NewBridgeTracer()
	ctx = httptrace.WithClientTrace(ctx, tracer.ClientTrace())

	sendStart := a.clock.NowMs()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/probe", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrAdapterProbeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", 0, fmt.Errorf("%w: bridge returned status %d", ErrAdapterProbeFailed, resp.StatusCode)
	}

	timings := tracer.Timings()
	slog.DebugContext(ctx, "whatsapp probe sent",
		slog.String("target", target), slog.String("probe_token", probeToken),
		slog.Int64("conn_acquired_ms", timings.ConnAcquiredMs),
		slog.Int64("first_response_byte_ms", timings.FirstResponseByteMs))

	return probeToken, sendStart, nil
}

func (a *WhatsAppAdapter) GetDisplayMetadata(ctx context.Context, target string) (*DisplayMetadata, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/contacts/"+target, nil)
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
		return nil, false, fmt.Errorf("bridge returned status %d for contact metadata", resp.StatusCode)
	}

	var meta DisplayMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, false, fmt.Errorf("decoding display metadata: %w", err)
	}
	return &meta, true, nil
}

func (a *WhatsAppAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
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

// PublishReceipt is called by the webhook HTTP handler when the bridge
// reports a delivery. It hands the receipt to the adapter's own pub/sub
// topic rather than feeding a->receipts directly, so the restartable
// consumer loop is the single place receipts are decoded and deduplicated.
func (a *WhatsAppAdapter) PublishReceipt(ctx context.Context, probeToken string, deliveredAtMs int64) error {
	if a.receiptTopic == nil {
		return fmt.Errorf("%w: no receipt topic configured", ErrAdapterUnavailable)
	}

	body, err := json.Marshal(Receipt{ProbeToken: probeToken, DeliveredTimestampMs: deliveredAtMs})
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}

	return a.receiptTopic.Send(ctx, &pubsub.Message{Body: body})
}

// consumeReceipts is the adapter's restartable receipt stream consumer:
// it decodes incoming messages, discards malformed or duplicate ones, and
// forwards at most one Receipt per probe token to a.receipts.
func (a *WhatsAppAdapter) consumeReceipts() {
	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		ctx := context.Background()
		msg, err := a.receiptSub.Receive(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "receiving whatsapp receipt", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var r Receipt
		if err := json.Unmarshal(msg.Body, &r); err != nil {
			slog.WarnContext(ctx, "discarding malformed whatsapp receipt", slog.String("error", err.Error()))
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
			slog.WarnContext(ctx, "dropping whatsapp receipt, channel full", slog.String("probe_token", r.ProbeToken))
		}
		msg.Ack()
	}
}

func (a *WhatsAppAdapter) Close() {
	close(a.shutdown)
	if a.receiptSub != nil {
		a.receiptSub.Shutdown(context.Background())
	}
	if a.receiptTopic != nil {
		a.receiptTopic.Shutdown(context.Background())
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
