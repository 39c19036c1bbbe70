package main

import "log/slog"

// Config is the process configuration, sourced from environment variables
// via envconfig with a YAML file for the operator knobs that aren't
// one-off secrets.
type Config struct {
	Server struct {
		Port         int        `yaml:"port" envconfig:"PORT" default:"8600"`
		ClientOrigin string     `yaml:"client_origin" envconfig:"CLIENT_ORIGIN" default:"http://localhost:5173"`
		LogLevel     slog.Level `yaml:"log_level"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path" default:"tracker.db"`
	} `yaml:"database"`

	Signal struct {
		ApiURL string `yaml:"api_url" envconfig:"SIGNAL_API_URL"`
	} `yaml:"signal"`

	WhatsApp struct {
		BridgeURL string `yaml:"bridge_url" envconfig:"WHATSAPP_BRIDGE_URL" default:"http://localhost:3000"`
	} `yaml:"whatsapp"`

	LocalNetwork struct {
		ReferenceHost string `yaml:"reference_host" default:"1.1.1.1"`
		ReferencePort string `yaml:"reference_port" default:"80"`
	} `yaml:"local_network"`

	Debug bool `yaml:"debug" envconfig:"DEBUG"`

	// PubSub addresses are gocloud.dev URLs. The in-process default
	// ("mem://...") is fine for a single-process deployment; pointing these
	// at a "nats://" URL lets the WhatsApp/Signal bridge webhooks and the
	// live update broadcaster run in a separate process from the core.
	PubSub struct {
		WhatsAppReceiptsURL string `yaml:"whatsapp_receipts_url" envconfig:"WHATSAPP_RECEIPTS_URL" default:"mem://whatsapp_receipts"`
		SignalReceiptsURL   string `yaml:"signal_receipts_url" envconfig:"SIGNAL_RECEIPTS_URL" default:"mem://signal_receipts"`
		UpdatesURL          string `yaml:"updates_url" envconfig:"UPDATES_URL" default:"mem://live_updates"`
	} `yaml:"pubsub"`

	Sentry struct {
		Dsn                   string  `yaml:"dsn" envconfig:"SENTRY_DSN"`
		ErrorSampleRate       float64 `yaml:"error_sample_rate" default:"1.0" envconfig:"SENTRY_ERROR_SAMPLE_RATE"`
		TracesSampleRate      float64 `yaml:"traces_sample_rate" default:"0.2" envconfig:"SENTRY_TRACES_SAMPLE_RATE"`
		Debug                 bool    `yaml:"debug" default:"false" envconfig:"SENTRY_DEBUG"`
		TraceOutgoingRequests bool    `yaml:"trace_outgoing_requests" default:"false" envconfig:"SENTRY_TRACE_OUTGOING_REQUESTS"`
	} `yaml:"sentry"`

	// Targets seeds the tracker with targets to track at startup; the live
	// update hub's add-target/remove-target operations manage the set from
	// then on, this is just a convenience for headless deployments.
	Targets []Target `yaml:"targets"`
}
