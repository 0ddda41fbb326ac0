package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// localBackend shells out to a whisper.cpp-compatible CLI binary, mirroring
// the teacher's exec.Command + captured-stderr subprocess style
// (internal/recorder's ffmpeg invocation) rather than binding a Go speech
// library — grounded on original_source/transcriber.py's "bundled library"
// path, expressed here as the out-of-scope external collaborator spec §1
// allows ("a bundled library or a remote HTTP server").
type localBackend struct {
	binary   string
	model    string
	language string
	device   string

	loadOnce sync.Once
}

// NewLocal constructs the local backend. binary defaults to "whisper-cli"
// if empty.
func NewLocal(binary, model, language, device string) Backend {
	if binary == "" {
		binary = "whisper-cli"
	}
	return &localBackend{binary: binary, model: model, language: language, device: device}
}

// whisperJSON mirrors whisper.cpp's --output-json schema closely enough to
// pull out the concatenated transcript text.
type whisperJSON struct {
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func (b *localBackend) Transcribe(ctx context.Context, wavPath string) (string, error) {
	b.loadOnce.Do(func() {
		log.Printf("🧠 transcriber: loading local model %q on %s (first job may take 10-30s)", b.model, b.device)
	})

	args := []string{
		"-m", b.model,
		"-f", wavPath,
		"-l", b.language,
		"--output-json", "--output-file", "-",
		"--no-prints",
	}
	cmd := exec.CommandContext(ctx, b.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("transcriber: local backend (%s): %w: %s", b.binary, err, stderr.String())
	}

	var parsed whisperJSON
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		// Some builds print the plain transcript on stdout instead of JSON;
		// fall back to that rather than failing the job outright.
		return strings.TrimSpace(stdout.String()), nil
	}
	var parts []string
	for _, seg := range parsed.Transcription {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
