// Package channelizer extracts N FM stations from a single wideband IQ
// stream in-process, for the multi-station path — grounded on
// original_source/channelizer.py's per-station DSP chain (frequency shift,
// FIR low-pass, decimate, FM discriminator) translated to direct
// time-domain convolution instead of the Python reference's FFT overlap-save,
// which is simpler to keep correct at this block size without an FFT
// dependency.
package channelizer

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// SampleRateHz is the fixed wideband input rate — spec §4.1: "Total
	// sample rate is fixed to exactly 2,400,000; no runtime resampling".
	SampleRateHz = 2_400_000
	// OutputRateHz is what redsea expects on its stdin, ±1%.
	OutputRateHz = 171_000
	// decimation is chosen so SampleRateHz/decimation lands within redsea's
	// tolerance of OutputRateHz (171,428.57 Hz, spec §4.1 step 4).
	decimation = 14
	// blockSamples is the number of complex samples read per IQ chunk —
	// spec §4.1's recommended B ≈ 109 ms at 2.4 MS/s.
	blockSamples = 262_144
	// maxSpanHz is the hard startup guard — spec §4.1.
	maxSpanHz = 2_000_000
	// lpfCutoffHz is the low-pass half-bandwidth — spec §4.1 step 3 (±100 kHz).
	lpfCutoffHz = 100_000
	// ntaps is the FIR filter order (Blackman window length).
	ntaps = 129
	// sinkQueueDepth bounds each per-station output channel — spec §4.1's
	// "MUST NOT block on a slow sink indefinitely" contract.
	sinkQueueDepth = 32
)

// ConfigError is returned by New when the requested frequency span exceeds
// the usable bandwidth — spec §4.1: "fails with ConfigError at startup".
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

// Sink receives demodulated PCM blocks for one station. The channelizer
// drops the oldest queued block rather than blocking when a sink can't keep
// up — callers read Drops() to observe this.
type Sink struct {
	FrequencyHz uint64
	out         chan []byte
	drops       uint64
}

// Blocks returns the channel of demodulated s16le PCM blocks for this
// station. Closed when the IQ source reaches EOF.
func (s *Sink) Blocks() <-chan []byte { return s.out }

// Drops reports how many blocks have been dropped for this station due to
// backpressure — surfaced in the supervisor's status snapshot.
func (s *Sink) Drops() uint64 { return atomic.LoadUint64(&s.drops) }

// Channelizer demultiplexes one wideband IQ stream into per-station PCM
// sinks. Constraints: 2 ≤ len(frequencies) ≤ 4, span ≤ maxSpanHz.
type Channelizer struct {
	src     io.Reader
	centerHz uint64
	stations []*stationDSP
	sinks    []*Sink

	resyncMu      sync.Mutex
	lastResyncLog time.Time
}

// New validates frequencies/centerHz and builds one DSP chain + sink per
// station. Returns *ConfigError if the span guard fails.
func New(src io.Reader, frequenciesHz []uint64, centerHz uint64) (*Channelizer, error) {
	if n := len(frequenciesHz); n < 2 || n > 4 {
		return nil, &ConfigError{fmt.Sprintf("channelizer: need 2-4 stations, got %d", n)}
	}
	lo, hi := frequenciesHz[0], frequenciesHz[0]
	for _, f := range frequenciesHz {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	if span := hi - lo; span > maxSpanHz {
		return nil, &ConfigError{fmt.Sprintf("channelizer: frequency span %.3f MHz exceeds the 2.0 MHz usable bandwidth limit", float64(span)/1e6)}
	}

	c := &Channelizer{src: src, centerHz: centerHz}
	kernel := lowpassKernel(lpfCutoffHz, SampleRateHz, ntaps)
	for _, f := range frequenciesHz {
		deltaHz := float64(f) - float64(centerHz)
		dsp := newStationDSP(deltaHz, SampleRateHz, kernel)
		sink := &Sink{FrequencyHz: f, out: make(chan []byte, sinkQueueDepth)}
		c.stations = append(c.stations, dsp)
		c.sinks = append(c.sinks, sink)
	}
	return c, nil
}

// Sinks returns the per-station output sinks, in the order frequencies were
// given to New.
func (c *Channelizer) Sinks() []*Sink { return c.sinks }

// Run reads IQ blocks from the source and fans each one out to every
// station's DSP chain, writing the result to that station's sink. One
// goroutine per station processes each block concurrently (errgroup); the
// next block is read only after every station has finished the current one.
// Returns when the source reaches EOF or ctx is cancelled; closes every
// sink before returning.
func (c *Channelizer) Run(ctx context.Context) error {
	defer func() {
		for _, s := range c.sinks {
			close(s.out)
		}
	}()

	raw := make([]byte, blockSamples*2)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(c.src, raw)
		if n == 0 && err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("channelizer: read iq: %w", err)
		}
		if n%2 != 0 {
			// spec §4.1 failure policy: resync by discarding one byte.
			c.logResyncOnce()
			n--
		}
		if n < 2 {
			continue
		}

		iq := toComplex(raw[:n])

		g, _ := errgroup.WithContext(ctx)
		for i := range c.stations {
			i := i
			g.Go(func() error {
				pcm := c.stations[i].process(iq)
				if len(pcm) == 0 {
					return nil
				}
				c.deliver(c.sinks[i], pcm)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if err != nil { // io.ReadFull returned ErrUnexpectedEOF on a short final read
			return nil
		}
	}
}

// deliver drops the oldest queued block for this station rather than
// blocking — spec §4.1: other stations are unaffected by one slow sink.
func (c *Channelizer) deliver(s *Sink, pcm []byte) {
	select {
	case s.out <- pcm:
		return
	default:
	}
	select {
	case <-s.out:
		atomic.AddUint64(&s.drops, 1)
	default:
	}
	select {
	case s.out <- pcm:
	default:
		atomic.AddUint64(&s.drops, 1)
	}
}

func (c *Channelizer) logResyncOnce() {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()
	if time.Since(c.lastResyncLog) < time.Minute {
		return
	}
	c.lastResyncLog = time.Now()
	log.Printf("⚠️  channelizer: resynced on odd-length IQ read (discarded one byte)")
}

func toComplex(raw []byte) []complex128 {
	n := len(raw) / 2
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		re := (float64(raw[2*i]) - 127.5) / 127.5
		im := (float64(raw[2*i+1]) - 127.5) / 127.5
		out[i] = complex(re, im)
	}
	return out
}

// stationDSP holds one station's frequency-shift/filter/decimate/demod
// state across IQ blocks.
type stationDSP struct {
	phaseInc float64
	phase    float64

	kernel  []float64
	overlap []complex128 // last ntaps-1 shifted samples carried to the next block

	decCounter int // samples since last decimation pick, carried across blocks
	prevZ      complex128
}

func newStationDSP(deltaHz, fs float64, kernel []float64) *stationDSP {
	return &stationDSP{
		phaseInc: -2.0 * math.Pi * deltaHz / fs, // shift THIS station down to baseband
		kernel:   kernel,
		overlap:  make([]complex128, len(kernel)-1),
	}
}

// process runs the full DSP chain on one IQ block and returns s16le PCM.
func (d *stationDSP) process(z []complex128) []byte {
	n := len(z)

	shifted := make([]complex128, n)
	phase := d.phase
	for i, s := range z {
		ph := phase + d.phaseInc*float64(i)
		shifted[i] = s * cmplxExp(ph)
	}
	d.phase = math.Mod(phase+d.phaseInc*float64(n), 2*math.Pi)

	extended := append(append([]complex128(nil), d.overlap...), shifted...)
	filtered := convolveValid(extended, d.kernel)
	if len(d.overlap) > 0 {
		tail := shifted
		if len(tail) > len(d.overlap) {
			tail = tail[len(tail)-len(d.overlap):]
		}
		copy(d.overlap, tail)
	}

	// Decimate by picking every `decimation`-th sample, with the pick phase
	// carried across blocks so a block size that isn't an exact multiple of
	// the decimation factor (as blockSamples isn't) never drifts or
	// introduces a discontinuity at the boundary.
	var decimated []complex128
	pos := d.decCounter
	for _, s := range filtered {
		if pos == 0 {
			decimated = append(decimated, s)
		}
		pos = (pos + 1) % decimation
	}
	d.decCounter = pos
	if len(decimated) == 0 {
		return nil
	}

	pcm := make([]byte, len(decimated)*2)
	prev := d.prevZ
	const gain = 20000.0 * SampleRateHz / decimation / (2 * math.Pi * 75_000) // nominal ±75kHz deviation maps near ±20000, per spec
	for i, s := range decimated {
		prod := s * complexConj(prev)
		angle := math.Atan2(imag(prod), real(prod))
		v := int16(clampF(angle*gain, -32768, 32767))
		pcm[2*i] = byte(uint16(v))
		pcm[2*i+1] = byte(uint16(v) >> 8)
		prev = s
	}
	d.prevZ = decimated[len(decimated)-1]
	return pcm
}

func cmplxExp(theta float64) complex128 {
	return complex(math.Cos(theta), math.Sin(theta))
}

func complexConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// convolveValid applies a real FIR kernel to a complex signal and returns
// only the "valid" region — i.e. the samples aligned with the
// caller-supplied overlap prefix, so callers can overlap-save block by
// block without edge artifacts.
func convolveValid(x []complex128, kernel []float64) []complex128 {
	taps := len(kernel)
	if len(x) < taps {
		return nil
	}
	out := make([]complex128, len(x)-taps+1)
	for i := range out {
		var acc complex128
		for k, w := range kernel {
			acc += x[i+k] * complex(w, 0)
		}
		out[i] = acc
	}
	return out
}

// lowpassKernel builds a Blackman-windowed sinc low-pass FIR, normalized to
// unity DC gain — spec §4.1 step 3.
func lowpassKernel(cutoffHz, fs float64, taps int) []float64 {
	fc := cutoffHz / fs
	h := make([]float64, taps)
	var sum float64
	mid := float64(taps-1) / 2
	for i := 0; i < taps; i++ {
		n := float64(i) - mid
		var sinc float64
		if n == 0 {
			sinc = 2 * fc
		} else {
			sinc = math.Sin(2*math.Pi*fc*n) / (math.Pi * n)
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(taps-1)) + 0.08*math.Cos(4*math.Pi*float64(i)/float64(taps-1))
		h[i] = sinc * w
		sum += h[i]
	}
	for i := range h {
		h[i] /= sum
	}
	return h
}
