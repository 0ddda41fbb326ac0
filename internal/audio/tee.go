// Package audio splits each station's PCM stream between the RDS decoder's
// stdin and that station's recorder — grounded on
// original_source/audio_tee.py's AudioTee.run() loop, reworked as a Go
// goroutine over an io.Reader/io.WriteCloser pair per spec §4.2 and §9's
// "tee as message-passing" design note.
package audio

import (
	"errors"
	"io"
	"log"
)

// chunkSize is the recommended read size — spec §4.2: "~8 KiB ≈ 24 ms at
// 171 kHz mono 16-bit".
const chunkSize = 8192

// Feeder is the recorder side of the tee — satisfied by *recorder.Recorder.
// IsRecording gates whether a chunk is handed to Feed at all; Feed itself is
// expected to be a cheap, non-blocking append (spec §5: "recorder buffer
// appends never block").
type Feeder interface {
	IsRecording() bool
	Feed(chunk []byte)
}

// Tee reads PCM from src and writes every chunk to dst (the decoder's
// stdin), best-effort mirroring it to rec when a recording is active.
// Mirroring is strictly secondary: a full or slow recorder never delays or
// drops the decoder path (spec §4.2's (a) mandatory / (b) best-effort
// contract is enforced here by handing the chunk to Feed synchronously —
// the recorder's own Feed never blocks, so no separate drop-queue is
// needed on this side).
type Tee struct {
	src io.Reader
	dst io.WriteCloser
	rec Feeder
}

// New constructs a Tee. dst is closed when src reaches EOF or a write to
// dst fails; the caller is responsible for stopping rec's active recording
// on return from Run (spec §4.2 termination contract).
func New(src io.Reader, dst io.WriteCloser, rec Feeder) *Tee {
	return &Tee{src: src, dst: dst, rec: rec}
}

// Run blocks until src reaches EOF or a write to dst fails, reading
// chunkSize-sized chunks and preserving source order to both sinks. Returns
// nil on clean EOF, or the write error that ended the loop early.
func (t *Tee) Run() error {
	buf := make([]byte, chunkSize)
	defer func() {
		if err := t.dst.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Printf("⚠️  tee: close decoder sink: %v", err)
		}
	}()

	for {
		n, rerr := t.src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := t.dst.Write(chunk); werr != nil {
				log.Printf("⚠️  tee: decoder sink write failed, stopping: %v", werr)
				return werr
			}
			if t.rec != nil && t.rec.IsRecording() {
				t.rec.Feed(chunk)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
