// Command rdsguard runs the FM/RDS traffic-and-emergency monitor: it owns
// the rtl_sdr/rtl_fm/redsea pipeline, the rules engine, the event store, the
// MQTT/WS alert fanout, and the REST/WS facade for one process lifetime.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tubalainen/rds-guard/internal/alerts"
	"github.com/tubalainen/rds-guard/internal/api"
	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/config"
	"github.com/tubalainen/rds-guard/internal/db"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/metrics"
	"github.com/tubalainen/rds-guard/internal/models"
	"github.com/tubalainen/rds-guard/internal/recorder"
	"github.com/tubalainen/rds-guard/internal/rules"
	"github.com/tubalainen/rds-guard/internal/storage"
	"github.com/tubalainen/rds-guard/internal/supervisor"
	"github.com/tubalainen/rds-guard/internal/transcriber"
)

// Exit codes — spec §6: 0 clean shutdown, 1 fatal startup error, 2
// unrecoverable pipeline failure.
const (
	exitOK            = 0
	exitStartupError  = 1
	exitPipelineFatal = 2
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	root := &cobra.Command{
		Use:     "rdsguard",
		Short:   "FM/RDS traffic and emergency monitor",
		Version: "dev",
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture pipeline and web/API facade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	serveCmd.SilenceUsage = true
	root.AddCommand(serveCmd)
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		log.Printf("❌ fatal: %v", err)
		os.Exit(exitStartupError)
	}
}

func run() error {
	log.Println("🚀 rds-guard starting")

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Printf("📻 stations: %v (multi=%v)", cfg.StationFreqsHz, cfg.MultiStation)

	// 2. Event store
	dbClient, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := dbClient.AutoMigrate(); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	clk := clock.RealClock{}
	store := eventstore.Open(dbClient.DB, clk)
	if n, err := store.CloseStaleActiveOnStartup(); err != nil {
		log.Printf("⚠️  close stale active events: %v", err)
	} else if n > 0 {
		log.Printf("🧹 closed %d stale active event(s) left open by a previous run", n)
	}

	// 3. Metrics + console hub
	m := metrics.New()
	hub := api.NewHub()

	// 4. Optional MQTT
	var mqttClient mqtt.Client
	if cfg.MQTTEnabled {
		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTHost, cfg.MQTTPort)).
			SetClientID(cfg.MQTTClientID).
			SetAutoReconnect(true).
			SetConnectRetry(true)
		if cfg.MQTTUser != "" {
			opts.SetUsername(cfg.MQTTUser)
			opts.SetPassword(cfg.MQTTPassword)
		}
		mqttClient = mqtt.NewClient(opts)
		if token := mqttClient.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
			return fmt.Errorf("mqtt connect: %w", token.Error())
		}
		log.Printf("📡 mqtt connected to %s:%d", cfg.MQTTHost, cfg.MQTTPort)
	}

	publisher := alerts.New(mqttClient, cfg.MQTTTopicPrefix, cfg.MQTTQoS, cfg.MQTTRetainState, hub, store, clk)
	publisher.SetHoldTimeout(time.Duration(cfg.AlertHoldTimeoutSec) * time.Second)
	publisher.SetPublishErrorHook(m.MQTTPublishErrors.Inc)
	publisher.SetLanguage(cfg.TranscriptionLanguage)

	// 5. Off-box archival (no-op when S3_BUCKET is unset)
	archiver, err := storage.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	// 6. Transcriber: one bounded queue with a single worker for the whole
	// process (the local model is not reentrant), shared by every station.
	queue := transcriber.New(transcriberBackend(cfg), store, &instrumentedCompleter{next: publisher, metrics: m}, 16)
	queue.Start()

	// 7. Per-station state: Station + Recorder
	stations := make([]*models.Station, len(cfg.StationFreqsHz))
	recorders := make([]supervisor.RecorderHandle, len(cfg.StationFreqsHz))

	engine := rules.New(store, &instrumentedSink{next: publisher, metrics: m}, clk, cfg.RecordEventTypes)

	recCfg := recorder.Config{
		SampleRate:      171_000, // both rtl_fm (single-station) and the channelizer's per-station sinks output this rate
		Channels:        1,
		MaxRecordingSec: cfg.MaxRecordingSec,
		MinDurationSec:  cfg.MinDurationSec,
		AudioDir:        cfg.AudioDir,
	}

	for i, freq := range cfg.StationFreqsHz {
		station := models.NewStation(freq)
		stations[i] = station

		rec := recorder.New(fmt.Sprintf("freq-%d", freq), recCfg, store, queue, clk, func() {
			engine.CheckRecordingCap(station.Snapshot().PI)
		})
		recorders[i] = rec
	}

	// 8. Pipeline supervisor
	sup := supervisor.New(cfg, store, engine, publisher, stations, recorders, clk, m)

	// 9. REST/WS facade
	server := api.New(cfg, store, hub, sup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WebUIPort)
		log.Printf("🌐 web UI listening on %s", addr)
		if err := server.Run(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("web server: %w", err)
		}
	}()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Println("📊 metrics exposed on :9090/metrics")
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.Printf("⚠️  metrics server: %v", err)
		}
	}()

	statusTicker := time.NewTicker(time.Duration(cfg.StatusIntervalSec) * time.Second)
	defer statusTicker.Stop()
	retentionTicker := time.NewTicker(24 * time.Hour)
	defer retentionTicker.Stop()
	sweepRetention(cfg, store, archiver)

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 shutdown signal received, stopping pipeline")
			queue.Stop()
			<-time.After(time.Duration(cfg.ShutdownGraceSec) * time.Second)
			return nil

		case err := <-errCh:
			if err != nil {
				log.Printf("❌ unrecoverable pipeline failure: %v", err)
				os.Exit(exitPipelineFatal)
			}
			return nil

		case <-statusTicker.C:
			publisher.PublishStatus(sup.Status())

		case <-retentionTicker.C:
			sweepRetention(cfg, store, archiver)
		}
	}
}

func sweepRetention(cfg *config.Config, store *eventstore.Store, archiver storage.Archiver) {
	cutoff := time.Now().AddDate(0, 0, -cfg.EventRetentionDays)
	stems, err := store.PurgeOlderThan(cutoff)
	if err != nil {
		log.Printf("⚠️  retention sweep: purge rows: %v", err)
		return
	}
	for _, stem := range stems {
		local := cfg.AudioDir + "/" + stem // stem is audio_path as stored, e.g. "12345.ogg"
		if err := archiver.Archive(local, stem); err != nil {
			log.Printf("⚠️  retention sweep: archive %s: %v", stem, err)
		}
	}
	eventstore.PurgeAudioFiles(cfg.AudioDir, stems)
	store.SweepOrphanAudio(cfg.AudioDir, cutoff.AddDate(0, 0, -1))
}

// instrumentedSink wraps the alert publisher's rules.EventSink with the
// opened-count and active-gauge metrics — kept out of internal/alerts so
// that package stays free of a metrics dependency.
type instrumentedSink struct {
	next    rules.EventSink
	metrics *metrics.Metrics
}

func (s *instrumentedSink) Lifecycle(payload models.LifecyclePayload) {
	switch payload.State {
	case "start":
		s.metrics.EventsOpened.WithLabelValues(string(payload.Type)).Inc()
		s.metrics.EventsActive.WithLabelValues(string(payload.Type)).Inc()
	case "end":
		s.metrics.EventsActive.WithLabelValues(string(payload.Type)).Dec()
		if payload.DurationSec != nil {
			s.metrics.RecordingSeconds.WithLabelValues(payload.StationPI).Observe(*payload.DurationSec)
		}
	}
	s.next.Lifecycle(payload)
}

// instrumentedCompleter wraps the alert publisher's transcriber.Completer
// with the jobs-by-outcome counter and duration histogram.
type instrumentedCompleter struct {
	next    transcriber.Completer
	metrics *metrics.Metrics
}

func (c *instrumentedCompleter) OnTranscriptionComplete(eventID uint64, text string, status models.TranscriptionStatus, durationSec *float64) {
	c.metrics.TranscriptionJobs.WithLabelValues(string(status)).Inc()
	if durationSec != nil {
		c.metrics.TranscriptionSeconds.Observe(*durationSec)
	}
	c.next.OnTranscriptionComplete(eventID, text, status, durationSec)
}

func transcriberBackend(cfg *config.Config) transcriber.Backend {
	switch cfg.TranscriptionEngine {
	case "local":
		return transcriber.NewLocal("whisper", cfg.TranscriptionModel, cfg.TranscriptionLanguage, cfg.TranscriptionDevice)
	case "remote":
		return transcriber.NewRemote(cfg.WhisperRemoteURL, cfg.TranscriptionLanguage, time.Duration(cfg.WhisperRemoteTimeoutSec)*time.Second)
	default:
		return transcriber.NewNone()
	}
}
