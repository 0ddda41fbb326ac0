// Package transcriber runs a bounded FIFO of recorded clips through a
// pluggable speech-to-text backend, grounded on
// original_source/transcriber.py's Transcriber class — one worker
// goroutine (the model is not reentrant), a completion callback per job,
// and local/remote/none backend selection at startup. Backend polymorphism
// mirrors the teacher's internal/storage.StorageProvider interface pattern
// (internal/storage/provider.go) applied to this new domain.
package transcriber

import "context"

// Backend transcribes a single WAV file to text. Implementations: local
// (lazy-loaded speech model), remote (multipart HTTP POST), none (disabled).
type Backend interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}
