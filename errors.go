package main

import "errors"

// Store error taxonomy. StoreFatal aborts the process; StoreTransient is
// retried with jittered backoff at the call site.
var (
	ErrStoreFatal     = errors.New("store fatal error")
	ErrStoreTransient = errors.New("store transient error")
)

// Adapter error taxonomy.
var (
	// ErrUnsupportedProbeMethod is returned by send_probe when the adapter
	// does not implement the requested probe variant.
	ErrUnsupportedProbeMethod = errors.New("unsupported probe method")

	// ErrAdapterUnavailable means the platform bridge is not reachable or
	// not linked; target-level, scheduling halts until Ping succeeds again.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrAdapterProbeFailed is per-cycle: logged, no row appended, cycle
	// enters minimum backoff + 5s.
	ErrAdapterProbeFailed = errors.New("adapter probe failed")

	// ErrReceiptMalformed names a receipt message that cannot be decoded.
	// The adapters' receipt consumers log and discard such messages; no
	// count of them is kept.
	ErrReceiptMalformed = errors.New("receipt malformed")
)

// ErrConfigInvalid is fatal at startup.
var ErrConfigInvalid = errors.New("configuration invalid")

// ErrAnalysisDataInsufficient is not a failure and the analysis engine does
// not return it. A run does not skip on thin data: over fewer than 3
// samples it still appends an AnalysisWindow, with confidence at most 0.5
// and state Unknown. Only the baseline update is skipped, below 10
// successful samples.
var ErrAnalysisDataInsufficient = errors.New("analysis data insufficient")

// ErrTargetNotFound is returned by hub operations on an unknown target_id.
var ErrTargetNotFound = errors.New("target not found")
