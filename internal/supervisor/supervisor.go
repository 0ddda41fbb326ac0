// Package supervisor owns the rtl_sdr/rtl_fm/redsea child processes and the
// per-station dispatch loop that feeds decoded groups into the rules engine
// — grounded on original_source/pipeline.py's run_pipeline/run_pipeline_multi
// and PipelineStatus, translated into exec.Cmd + goroutines and a
// mutex-guarded status struct. Restart backoff follows the teacher pack's
// cenkalti/backoff/v4 usage for retrying a failed external process.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tubalainen/rds-guard/internal/alerts"
	"github.com/tubalainen/rds-guard/internal/audio"
	"github.com/tubalainen/rds-guard/internal/channelizer"
	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/config"
	"github.com/tubalainen/rds-guard/internal/decoder"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/metrics"
	"github.com/tubalainen/rds-guard/internal/models"
	"github.com/tubalainen/rds-guard/internal/rules"
)

// minStablePI mirrors rules.Engine's own glitch-stability threshold — kept
// in lockstep since the dispatch loop, not the engine, owns PICheck calls.
const minStablePI = 5

// State is the coarse pipeline health reported to GET /api/status.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateError      State = "error"
)

// Status is a point-in-time snapshot of pipeline health, safe to copy.
type Status struct {
	State        State                `json:"state"`
	Error        string               `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	UptimeSec    float64              `json:"uptime_sec"`
	RestartCount int                  `json:"restart_count"`
	Drops        uint64               `json:"drops,omitempty"`
	Stations     []models.StationView `json:"stations"`
}

// RecorderHandle is the narrow slice of *recorder.Recorder the dispatch loop
// uses — exported so callers outside this package can build the
// []RecorderHandle Supervisor.New expects.
type RecorderHandle interface {
	IsRecording() bool
	Feed(chunk []byte)
}

// Supervisor runs the capture pipeline for the process lifetime, restarting
// it with backoff on failure until its context is cancelled.
type Supervisor struct {
	cfg       *config.Config
	store     *eventstore.Store
	engine    *rules.Engine
	publisher *alerts.Publisher
	clock     clock.Clock
	stations  []*models.Station
	recorders []RecorderHandle

	mu     sync.RWMutex
	status Status
	sinks  []*channelizer.Sink // current generation's channelizer sinks (multi-station only)

	metrics *metrics.Metrics
}

// New constructs a Supervisor. stations and recorders must be parallel
// slices, one entry per configured frequency in cfg.StationFreqsHz. m may
// be nil to disable metrics instrumentation.
func New(cfg *config.Config, store *eventstore.Store, engine *rules.Engine, publisher *alerts.Publisher, stations []*models.Station, recorders []RecorderHandle, c clock.Clock, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		publisher: publisher,
		clock:     c,
		stations:  stations,
		recorders: recorders,
		status:    Status{State: StateNotStarted},
		metrics:   m,
	}
}

// Status returns a copy of the current pipeline status, including a fresh
// per-station snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	if st.State == StateRunning && !st.StartedAt.IsZero() {
		st.UptimeSec = s.clock.Now().Sub(st.StartedAt).Seconds()
	}
	s.mu.RLock()
	for _, sink := range s.sinks {
		st.Drops += sink.Drops()
	}
	s.mu.RUnlock()
	st.Stations = make([]models.StationView, len(s.stations))
	for i, station := range s.stations {
		st.Stations[i] = station.Snapshot()
	}
	return st
}

func (s *Supervisor) setState(state State, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	s.status.Error = errMsg
	if state == StateRunning {
		s.status.StartedAt = s.clock.Now()
	}
}

// Run blocks until ctx is cancelled, restarting the pipeline with capped
// exponential backoff whenever it exits early (subprocess death, pipe
// error). It never returns a restart as fatal — only ctx cancellation ends
// the loop cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		var runningSince time.Time
		err := s.runOnce(ctx, func() { runningSince = s.clock.Now() })
		if ctx.Err() != nil {
			s.setState(StateStopped, "shutdown requested")
			return nil
		}
		if err != nil {
			log.Printf("⚠️  supervisor: pipeline failed: %v", err)
			s.setState(StateError, err.Error())
		} else {
			s.setState(StateStopped, "pipeline ended")
		}

		s.mu.Lock()
		s.status.RestartCount++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SupervisorRestarts.Inc()
		}

		// A generation that stayed running for at least the backoff cap counts
		// as healthy: the next restart starts again from the initial delay.
		if !runningSince.IsZero() && s.clock.Now().Sub(runningSince) >= bo.MaxInterval {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Printf("supervisor: restarting pipeline in %s", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.setState(StateStopped, "shutdown requested")
			return nil
		}
	}
}

// runOnce spawns one generation of the pipeline and blocks until it exits.
// onStable is invoked once the pipeline reaches the running state, so the
// caller can reset its backoff after a period of healthy operation.
func (s *Supervisor) runOnce(ctx context.Context, onStable func()) error {
	s.setState(StateStarting, "")

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	reportErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	deviceIndex := resolveDeviceIndex(s.cfg)

	if !s.cfg.MultiStation {
		if err := s.runSingleStation(gctx, deviceIndex, &wg, reportErr); err != nil {
			return err
		}
	} else {
		if err := s.runMultiStation(gctx, deviceIndex, &wg, reportErr); err != nil {
			return err
		}
	}

	s.setState(StateRunning, "")
	onStable()
	log.Printf("🟢 supervisor: pipeline running (%d station(s))", len(s.stations))

	// Wait for either a component failure or shutdown. On shutdown, give
	// the cascade (tee EOF -> redsea exit -> decoder EOF) the configured
	// grace period before force-cancelling everything.
	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		grace := time.Duration(s.cfg.ShutdownGraceSec) * time.Second
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(grace):
			log.Printf("⚠️  supervisor: shutdown grace period elapsed, forcing exit")
			cancel()
			wg.Wait()
		}
		return nil
	}
}

// runSingleStation wires rtl_fm -> tee -> redsea -> decoder for one
// frequency, grounded on pipeline.py's run_pipeline.
func (s *Supervisor) runSingleStation(ctx context.Context, deviceIndex string, wg *sync.WaitGroup, reportErr func(error)) error {
	rtlCmd := exec.CommandContext(ctx, "rtl_fm",
		"-M", "fm", "-l", "0", "-A", "std",
		"-p", s.cfg.PPMCorrection, "-s", "171k",
		"-g", s.cfg.RTLGain, "-F", "9",
		"-d", deviceIndex, "-f", fmt.Sprintf("%d", s.cfg.StationFreqsHz[0]),
	)
	rtlStdout, err := rtlCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: rtl_fm stdout pipe: %w", err)
	}
	rtlStderr, _ := rtlCmd.StderrPipe()
	if err := rtlCmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start rtl_fm: %w", err)
	}
	log.Printf("rtl_fm started (pid %d)", rtlCmd.Process.Pid)
	go logLines("rtl_fm", rtlStderr)

	redseaCmd := exec.CommandContext(ctx, "redsea", redseaArgs(s.cfg)...)
	redseaStdin, err := redseaCmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: redsea stdin pipe: %w", err)
	}
	redseaStdout, err := redseaCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: redsea stdout pipe: %w", err)
	}
	redseaStderr, _ := redseaCmd.StderrPipe()
	if err := redseaCmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start redsea: %w", err)
	}
	log.Printf("redsea started (pid %d)", redseaCmd.Process.Pid)
	go logLines("redsea", redseaStderr)

	s.runStationPipeline(ctx, 0, rtlStdout, redseaStdin, redseaStdout, wg, reportErr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportErr(waitNamed(rtlCmd, "rtl_fm"))
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reportErr(waitNamed(redseaCmd, "redsea"))
	}()
	return nil
}

// runMultiStation wires rtl_sdr -> channelizer -> N*(tee -> redsea ->
// decoder), grounded on pipeline.py's run_pipeline_multi.
func (s *Supervisor) runMultiStation(ctx context.Context, deviceIndex string, wg *sync.WaitGroup, reportErr func(error)) error {
	rtlCmd := exec.CommandContext(ctx, "rtl_sdr",
		"-f", fmt.Sprintf("%d", s.cfg.RTLCenterHz),
		"-s", fmt.Sprintf("%d", s.cfg.RTLSampleRate),
		"-g", s.cfg.RTLGain, "-p", s.cfg.PPMCorrection,
		"-d", deviceIndex, "-",
	)
	rtlStdout, err := rtlCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: rtl_sdr stdout pipe: %w", err)
	}
	rtlStderr, _ := rtlCmd.StderrPipe()
	if err := rtlCmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start rtl_sdr: %w", err)
	}
	log.Printf("rtl_sdr started (pid %d)", rtlCmd.Process.Pid)
	go logLines("rtl_sdr", rtlStderr)

	ch, err := channelizer.New(rtlStdout, s.cfg.StationFreqsHz, s.cfg.RTLCenterHz)
	if err != nil {
		return fmt.Errorf("supervisor: channelizer: %w", err)
	}
	s.mu.Lock()
	s.sinks = ch.Sinks()
	s.mu.Unlock()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reportErr(ch.Run(ctx))
	}()
	if s.metrics != nil {
		go s.pollChannelizerDrops(ctx, ch.Sinks())
	}

	for i, sink := range ch.Sinks() {
		redseaCmd := exec.CommandContext(ctx, "redsea", redseaArgs(s.cfg)...)
		redseaStdin, err := redseaCmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("supervisor: redsea[%d] stdin pipe: %w", i, err)
		}
		redseaStdout, err := redseaCmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("supervisor: redsea[%d] stdout pipe: %w", i, err)
		}
		redseaStderr, _ := redseaCmd.StderrPipe()
		if err := redseaCmd.Start(); err != nil {
			return fmt.Errorf("supervisor: start redsea[%d]: %w", i, err)
		}
		log.Printf("redsea[%d] started (pid %d) for %d Hz", i, redseaCmd.Process.Pid, sink.FrequencyHz)
		go logLines(fmt.Sprintf("redsea[%d]", i), redseaStderr)

		s.runStationPipeline(ctx, i, &chanReader{ch: sink.Blocks()}, redseaStdin, redseaStdout, wg, reportErr)

		idx := i
		cmd := redseaCmd
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportErr(waitNamed(cmd, fmt.Sprintf("redsea[%d]", idx)))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportErr(waitNamed(rtlCmd, "rtl_sdr"))
	}()
	return nil
}

// runStationPipeline wires the audio tee and decoder for one station and
// starts the dispatch loop that drives the rules engine.
func (s *Supervisor) runStationPipeline(ctx context.Context, idx int, src io.Reader, redseaStdin io.WriteCloser, redseaStdout io.Reader, wg *sync.WaitGroup, reportErr func(error)) {
	station := s.stations[idx]
	freqHz := station.FrequencyHz
	rec := s.recorders[idx]

	tee := audio.New(src, redseaStdin, rec)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tee.Run(); err != nil {
			reportErr(fmt.Errorf("audio tee[%d]: %w", idx, err))
		}
	}()

	groups := make(chan *models.DecodedGroup, 256)
	stats := &decoder.Stats{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(groups)
		if err := decoder.Run(ctx, redseaStdout, groups, stats); err != nil && ctx.Err() == nil {
			reportErr(fmt.Errorf("decoder[%d]: %w", idx, err))
		}
	}()
	stationLabel := fmt.Sprintf("station[%d]", idx)
	go decoder.LogMalformedRate(ctx, stationLabel, stats, time.Minute)
	if s.metrics != nil {
		go s.pollMalformedRate(ctx, stationLabel, stats)
	}

	registered := false
	wg.Add(1)
	go func() {
		defer wg.Done()
		for g := range groups {
			now := s.clock.Now()
			station.RecordGroup(now)
			if s.metrics != nil {
				label := g.PI
				if label == "" {
					label = "unknown"
				}
				s.metrics.GroupsDecoded.WithLabelValues(label).Inc()
			}

			prev := station.Snapshot()
			piStable := true
			if g.PI != "" {
				piStable = station.PICheck(g.PI, now, minStablePI)
				if prev.PI != "" && prev.PI != g.PI {
					s.engine.EndActiveForPIGlitch(prev.PI, prev, freqHz)
				}
				if !registered {
					s.engine.RegisterRecorder(g.PI, wrapRecorder(rec))
					registered = true
				}
			}

			changes := station.Apply(g)
			view := station.Snapshot()
			s.engine.Evaluate(view, freqHz, g, changes, piStable)
			s.publishFields(g, changes, view, now)
		}
	}()
}

// publishFields emits the continuous per-field MQTT topics spec §6 lists:
// ta and pty when they change, tp whenever a group carries it, rt when a
// complete RadioText arrives, and eon-ta from 14A groups. Every group also
// goes to the WS console, and to the raw-group MQTT mirror when PUBLISH_RAW
// is set — grounded on
// rds_guard.py's handle_group essential-topic block.
func (s *Supervisor) publishFields(g *models.DecodedGroup, changes models.Changes, view models.StationView, now time.Time) {
	if s.publisher == nil || g.PI == "" {
		return
	}
	if changes.TAChanged {
		s.publisher.PublishField(g.PI, "traffic/ta", map[string]any{"active": view.TA, "timestamp": now}, true)
	}
	if g.TP != nil {
		s.publisher.PublishField(g.PI, "traffic/tp", *g.TP, true)
	}
	if changes.RadioTextFull != "" {
		s.publisher.PublishField(g.PI, "programme/rt", map[string]any{"radiotext": changes.RadioTextFull}, true)
	}
	if changes.ProgTypeChanged {
		s.publisher.PublishField(g.PI, "station/pty", view.ProgType, true)
	}
	if g.Group == models.Group14A && g.OtherNetwork != nil && g.OtherNetwork.TA != nil {
		s.publisher.PublishField(g.PI, fmt.Sprintf("eon/%s/ta", g.OtherNetwork.PI), *g.OtherNetwork.TA, false)
	}
	raw := g.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	s.publisher.BroadcastGroup(g.PI, string(g.Group), raw)
	if s.cfg.PublishRaw {
		s.publisher.PublishRaw(raw)
	}
}

// pollChannelizerDrops periodically surfaces each sink's cumulative drop
// count as Prometheus counter deltas until ctx is cancelled.
func (s *Supervisor) pollChannelizerDrops(ctx context.Context, sinks []*channelizer.Sink) {
	last := make([]uint64, len(sinks))
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, sink := range sinks {
				cur := sink.Drops()
				if cur > last[i] {
					s.metrics.ChannelizerDrops.WithLabelValues(fmt.Sprintf("%d", sink.FrequencyHz)).Add(float64(cur - last[i]))
					last[i] = cur
				}
			}
		}
	}
}

// pollMalformedRate mirrors decoder.Stats.Malformed deltas onto the
// GroupsMalformed counter, reading the same counter LogMalformedRate logs.
func (s *Supervisor) pollMalformedRate(ctx context.Context, stationLabel string, stats *decoder.Stats) {
	var last uint64
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := stats.Malformed()
			if cur > last {
				s.metrics.GroupsMalformed.WithLabelValues(stationLabel).Add(float64(cur - last))
				last = cur
			}
		}
	}
}

// redseaArgs builds redsea's argv from config, grounded on
// pipeline.py's _build_redsea_cmd.
func redseaArgs(cfg *config.Config) []string {
	args := []string{"-r", "171k", "-t", "%Y-%m-%dT%H:%M:%S%f"}
	if cfg.RedseaShowPartial {
		args = append(args, "-p")
	}
	if cfg.RedseaShowRaw {
		args = append(args, "-R")
	}
	args = append(args, "-E")
	return args
}

// resolveDeviceIndex resolves RTL_DEVICE_SERIAL to a device index via
// rtl_test, falling back to RTL_DEVICE_INDEX — grounded on
// pipeline.py's _resolve_device_serial.
func resolveDeviceIndex(cfg *config.Config) string {
	if cfg.DeviceSerial == "" {
		return cfg.DeviceIndex
	}
	log.Printf("resolving RTL-SDR serial %q to device index...", cfg.DeviceSerial)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, _ := exec.CommandContext(ctx, "rtl_test").CombinedOutput()

	pattern := regexp.MustCompile(`(?mi)^\s*(\d+):.*SN:\s*` + regexp.QuoteMeta(cfg.DeviceSerial))
	m := pattern.FindStringSubmatch(string(out))
	if m == nil {
		log.Printf("⚠️  no RTL-SDR device found with serial %q, falling back to index %s", cfg.DeviceSerial, cfg.DeviceIndex)
		return cfg.DeviceIndex
	}
	log.Printf("resolved serial %q -> device index %s", cfg.DeviceSerial, m[1])
	return m[1]
}

func logLines(prefix string, r io.Reader) {
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				i := bytes.IndexByte(carry, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(carry[:i]), "\r")
				if line != "" {
					log.Printf("[%s] %s", prefix, line)
				}
				carry = carry[i+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

func waitNamed(cmd *exec.Cmd, name string) error {
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s exited", name)
}

// chanReader adapts a channelizer.Sink's block channel to an io.Reader so
// the audio tee can treat a channelized station the same as a direct
// rtl_fm stdout stream.
type chanReader struct {
	ch  <-chan []byte
	buf []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		b, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.buf = b
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// wrapRecorder narrows a RecorderHandle (audio.Feeder-shaped) back to the
// rules.Recorder interface the engine expects — both are implemented by the
// same *recorder.Recorder, just seen through different package boundaries.
func wrapRecorder(r RecorderHandle) rules.Recorder {
	type starter interface {
		Start(eventID uint64) error
		Stop() bool
	}
	return r.(starter)
}
