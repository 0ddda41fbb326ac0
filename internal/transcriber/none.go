package transcriber

import "context"

// noneBackend disables transcription — every job transitions the event to
// transcription_status=none (spec §4.4 "None" backend). The returned
// sentinel error lets the queue worker skip the usual done/error bookkeeping.
type noneBackend struct{}

// NewNone constructs the no-op backend.
func NewNone() Backend { return noneBackend{} }

// ErrDisabled signals the queue worker that no transcription was attempted.
var ErrDisabled = &disabledError{}

type disabledError struct{}

func (*disabledError) Error() string { return "transcriber: disabled" }

func (noneBackend) Transcribe(ctx context.Context, wavPath string) (string, error) {
	return "", ErrDisabled
}
