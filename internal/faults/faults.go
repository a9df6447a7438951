// Package faults defines the error taxonomy shared across the annotation
// engine. Callers branch on these sentinels with errors.Is.
package faults

import "errors"

var (
	// ErrNetwork marks a retryable transport or store failure. The sync
	// client reacts with backoff and a full resync.
	ErrNetwork = errors.New("network failure")

	// ErrAuthorization marks a terminal permission failure. It is never
	// retried and deliberately carries no hint of whether the resource
	// exists.
	ErrAuthorization = errors.New("not found or forbidden")

	// ErrValidation marks user-correctable input problems.
	ErrValidation = errors.New("invalid input")

	// ErrRealtime marks a connection-level realtime failure. It is absorbed
	// by the sync client's reconnect loop and never surfaces to mutation
	// callers.
	ErrRealtime = errors.New("realtime connection failure")

	// ErrScreenshotCapture marks a failed page capture. Callers degrade to
	// manual attachment upload instead of failing the annotation.
	ErrScreenshotCapture = errors.New("screenshot capture failed")
)

// Retryable reports whether the error is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRealtime)
}
