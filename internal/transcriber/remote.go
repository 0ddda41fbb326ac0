package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// remoteBackend posts the WAV file to a Whisper-ASR-webservice-compatible
// HTTP endpoint — grounded on original_source/transcriber.py's
// _transcribe_remote, using stdlib net/http + mime/multipart (the pack's
// HTTP-client idiom, e.g. teacher's internal/metadata client code) rather
// than a third-party HTTP client, since no example repo in the pack pulls
// one in for outbound multipart uploads.
type remoteBackend struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

// NewRemote constructs the remote backend. timeout is the hard cap on the
// whole request — spec §4.4 default 120s.
func NewRemote(baseURL, language string, timeout time.Duration) Backend {
	return &remoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type asrResponse struct {
	Text string `json:"text"`
}

// Transcribe posts wavPath's contents to <url>/asr, retrying once after a
// 5s backoff on connection errors or 5xx — spec §4.4. 4xx responses are not
// retried.
func (b *remoteBackend) Transcribe(ctx context.Context, wavPath string) (string, error) {
	text, status, err := b.attempt(ctx, wavPath)
	if err == nil {
		return text, nil
	}
	if status != 0 && status < 500 {
		return "", fmt.Errorf("transcriber: remote backend: %w", err)
	}

	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	text, _, err = b.attempt(ctx, wavPath)
	if err != nil {
		return "", fmt.Errorf("transcriber: remote backend (after retry): %w", err)
	}
	return text, nil
}

// attempt performs one POST; status is the HTTP status code observed (0 if
// the request never got a response, e.g. a connection error).
func (b *remoteBackend) attempt(ctx context.Context, wavPath string) (string, int, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	// multipart.Writer only needs an io.Writer; use a pipe-free in-memory
	// buffer since WAV clips at 16kHz/600s max are small enough to hold.
	buf := &multipartBuffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("audio_file", filepath.Base(wavPath))
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", 0, err
	}
	if err := mw.Close(); err != nil {
		return "", 0, err
	}

	u := fmt.Sprintf("%s/asr?%s", b.baseURL, url.Values{
		"encode":   {"true"},
		"task":     {"transcribe"},
		"language": {b.language},
		"output":   {"json"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", resp.StatusCode, fmt.Errorf("remote ASR returned %s", resp.Status)
	}

	var parsed asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decode ASR response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), resp.StatusCode, nil
}

// multipartBuffer is a minimal io.ReadWriter backing the in-memory form
// body — avoids holding the whole request in a bytes.Buffer import just
// for this one use.
type multipartBuffer struct {
	data []byte
	pos  int
}

func (m *multipartBuffer) Write(p []byte) (int, error) {
	m.data = append(m.data, p...)
	return len(p), nil
}

func (m *multipartBuffer) Read(p []byte) (int, error) {
	if m.pos >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += n
	return n, nil
}
