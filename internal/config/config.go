// Package config resolves the pipeline's configuration from environment
// variables, following the teacher's viper AutomaticEnv+BindEnv pattern.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the frozen, validated configuration for one process lifetime.
type Config struct {
	BuildVersion string

	RTLGain        string `mapstructure:"rtl_gain"`
	PPMCorrection  string `mapstructure:"ppm_correction"`
	DeviceSerial   string `mapstructure:"rtl_device_serial"`
	DeviceIndex    string `mapstructure:"rtl_device_index"`

	StationFreqsHz []uint64 // parsed FM_FREQUENCY / FM_FREQUENCIES
	MultiStation   bool
	RTLSampleRate  uint64 // fixed 2,400,000 for the wideband path
	RTLCenterHz    uint64

	RedseaShowPartial bool
	RedseaShowRaw     bool

	MQTTEnabled      bool
	MQTTHost         string
	MQTTPort         int
	MQTTUser         string
	MQTTPassword     string
	MQTTTopicPrefix  string
	MQTTClientID     string
	MQTTQoS          int
	MQTTRetainState  bool

	PublishMode string // "essential" | "all"
	PublishRaw  bool
	StatusIntervalSec int

	WebUIPort          int
	EventRetentionDays int

	AudioDir         string
	RecordEventTypes []string
	AudioFormat      string
	MaxRecordingSec  int
	MinDurationSec   float64 // spec §8 boundary: 2.0s discard threshold

	TranscriptionEngine   string // "local" | "remote" | "none"
	TranscriptionLanguage string
	TranscriptionModel    string
	TranscriptionDevice   string
	WhisperRemoteURL      string
	WhisperRemoteTimeoutSec int

	DBPath        string
	ShutdownGraceSec int

	AlertHoldTimeoutSec int // max wait for transcription before publishing end-of-event alert anyway

	JWTSecret string // optional, gates DELETE /api/events when non-empty

	S3Bucket   string
	S3Region   string
	S3Endpoint string
}

// ParseFreqHz converts a frequency string like "103.5M" or "103500000" to Hz.
func ParseFreqHz(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mul := 1.0
	switch {
	case strings.HasSuffix(s, "M"):
		mul = 1_000_000
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mul = 1_000
		s = strings.TrimSuffix(s, "K")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid frequency %q: %w", s, err)
	}
	return uint64(f * mul), nil
}

// Load resolves Config from the environment, applying the same defaults and
// validation as the teacher's shared config plus the span/count guards the
// original pipeline enforces at startup.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("") // variables are unprefixed, matching spec §6
	v.AutomaticEnv()

	for _, key := range []string{
		"BUILD_VERSION", "FM_FREQUENCY", "FM_FREQUENCIES", "RTL_GAIN",
		"PPM_CORRECTION", "RTL_DEVICE_SERIAL", "RTL_DEVICE_INDEX",
		"RTL_CENTER_FREQ", "REDSEA_SHOW_PARTIAL", "REDSEA_SHOW_RAW",
		"MQTT_ENABLED", "MQTT_HOST", "MQTT_PORT", "MQTT_USER", "MQTT_PASSWORD",
		"MQTT_TOPIC_PREFIX", "MQTT_CLIENT_ID", "MQTT_QOS", "MQTT_RETAIN_STATE",
		"PUBLISH_MODE", "PUBLISH_RAW", "STATUS_INTERVAL",
		"WEB_UI_PORT", "EVENT_RETENTION_DAYS",
		"AUDIO_DIR", "RECORD_EVENT_TYPES", "AUDIO_FORMAT", "MAX_RECORDING_SEC",
		"MIN_DURATION_SEC",
		"TRANSCRIPTION_ENGINE", "TRANSCRIPTION_LANGUAGE", "TRANSCRIPTION_MODEL",
		"TRANSCRIPTION_DEVICE", "WHISPER_REMOTE_URL", "WHISPER_REMOTE_TIMEOUT",
		"DB_PATH", "SHUTDOWN_GRACE_SEC", "ALERT_HOLD_TIMEOUT_SEC", "JWT_SECRET",
		"S3_BUCKET", "S3_REGION", "S3_ENDPOINT",
	} {
		_ = v.BindEnv(key)
	}

	v.SetDefault("BUILD_VERSION", "dev")
	v.SetDefault("FM_FREQUENCY", "103.5M")
	v.SetDefault("RTL_GAIN", "8")
	v.SetDefault("PPM_CORRECTION", "0")
	v.SetDefault("RTL_DEVICE_INDEX", "0")
	v.SetDefault("REDSEA_SHOW_PARTIAL", true)
	v.SetDefault("REDSEA_SHOW_RAW", false)
	v.SetDefault("MQTT_ENABLED", false)
	v.SetDefault("MQTT_PORT", 1883)
	v.SetDefault("MQTT_TOPIC_PREFIX", "rds")
	v.SetDefault("MQTT_CLIENT_ID", "rds-guard")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("MQTT_RETAIN_STATE", true)
	v.SetDefault("PUBLISH_MODE", "essential")
	v.SetDefault("PUBLISH_RAW", false)
	v.SetDefault("STATUS_INTERVAL", 30)
	v.SetDefault("WEB_UI_PORT", 8022)
	v.SetDefault("EVENT_RETENTION_DAYS", 30)
	v.SetDefault("AUDIO_DIR", "/data/audio")
	v.SetDefault("RECORD_EVENT_TYPES", "traffic,emergency")
	v.SetDefault("AUDIO_FORMAT", "ogg")
	v.SetDefault("MAX_RECORDING_SEC", 600)
	v.SetDefault("MIN_DURATION_SEC", 2.0)
	v.SetDefault("TRANSCRIPTION_ENGINE", "local")
	v.SetDefault("TRANSCRIPTION_LANGUAGE", "sv")
	v.SetDefault("TRANSCRIPTION_MODEL", "small")
	v.SetDefault("TRANSCRIPTION_DEVICE", "cpu")
	v.SetDefault("WHISPER_REMOTE_TIMEOUT", 120)
	v.SetDefault("DB_PATH", "/data/events.db")
	v.SetDefault("SHUTDOWN_GRACE_SEC", 10)
	v.SetDefault("ALERT_HOLD_TIMEOUT_SEC", 120)

	cfg := &Config{
		BuildVersion:            v.GetString("BUILD_VERSION"),
		RTLGain:                 v.GetString("RTL_GAIN"),
		PPMCorrection:           v.GetString("PPM_CORRECTION"),
		DeviceSerial:            v.GetString("RTL_DEVICE_SERIAL"),
		DeviceIndex:             v.GetString("RTL_DEVICE_INDEX"),
		RedseaShowPartial:       v.GetBool("REDSEA_SHOW_PARTIAL"),
		RedseaShowRaw:           v.GetBool("REDSEA_SHOW_RAW"),
		MQTTEnabled:             v.GetBool("MQTT_ENABLED"),
		MQTTHost:                v.GetString("MQTT_HOST"),
		MQTTPort:                v.GetInt("MQTT_PORT"),
		MQTTUser:                v.GetString("MQTT_USER"),
		MQTTPassword:            v.GetString("MQTT_PASSWORD"),
		MQTTTopicPrefix:         v.GetString("MQTT_TOPIC_PREFIX"),
		MQTTClientID:            v.GetString("MQTT_CLIENT_ID"),
		MQTTQoS:                 v.GetInt("MQTT_QOS"),
		MQTTRetainState:         v.GetBool("MQTT_RETAIN_STATE"),
		PublishMode:             strings.ToLower(v.GetString("PUBLISH_MODE")),
		PublishRaw:              v.GetBool("PUBLISH_RAW"),
		StatusIntervalSec:       v.GetInt("STATUS_INTERVAL"),
		WebUIPort:               v.GetInt("WEB_UI_PORT"),
		EventRetentionDays:      v.GetInt("EVENT_RETENTION_DAYS"),
		AudioDir:                v.GetString("AUDIO_DIR"),
		RecordEventTypes:        splitCSV(v.GetString("RECORD_EVENT_TYPES")),
		AudioFormat:             v.GetString("AUDIO_FORMAT"),
		MaxRecordingSec:         v.GetInt("MAX_RECORDING_SEC"),
		MinDurationSec:          v.GetFloat64("MIN_DURATION_SEC"),
		TranscriptionEngine:     v.GetString("TRANSCRIPTION_ENGINE"),
		TranscriptionLanguage:   v.GetString("TRANSCRIPTION_LANGUAGE"),
		TranscriptionModel:      v.GetString("TRANSCRIPTION_MODEL"),
		TranscriptionDevice:     v.GetString("TRANSCRIPTION_DEVICE"),
		WhisperRemoteURL:        v.GetString("WHISPER_REMOTE_URL"),
		WhisperRemoteTimeoutSec: v.GetInt("WHISPER_REMOTE_TIMEOUT"),
		DBPath:                  v.GetString("DB_PATH"),
		ShutdownGraceSec:        v.GetInt("SHUTDOWN_GRACE_SEC"),
		AlertHoldTimeoutSec:     v.GetInt("ALERT_HOLD_TIMEOUT_SEC"),
		JWTSecret:               v.GetString("JWT_SECRET"),
		S3Bucket:                v.GetString("S3_BUCKET"),
		S3Region:                v.GetString("S3_REGION"),
		S3Endpoint:              v.GetString("S3_ENDPOINT"),
		RTLSampleRate:           2_400_000,
	}

	freqsRaw := strings.TrimSpace(v.GetString("FM_FREQUENCIES"))
	var freqStrs []string
	if freqsRaw != "" {
		freqStrs = splitCSV(freqsRaw)
	} else {
		freqStrs = []string{v.GetString("FM_FREQUENCY")}
	}
	if len(freqStrs) > 4 {
		return nil, fmt.Errorf("config: FM_FREQUENCIES contains %d frequencies — maximum is 4", len(freqStrs))
	}
	for _, f := range freqStrs {
		hz, err := ParseFreqHz(f)
		if err != nil {
			return nil, err
		}
		cfg.StationFreqsHz = append(cfg.StationFreqsHz, hz)
	}
	cfg.MultiStation = len(cfg.StationFreqsHz) > 1

	if cfg.MultiStation {
		lo, hi := cfg.StationFreqsHz[0], cfg.StationFreqsHz[0]
		for _, f := range cfg.StationFreqsHz {
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
		span := hi - lo
		if span > 2_000_000 {
			return nil, fmt.Errorf("config: FM_FREQUENCIES span %.2f MHz exceeds the 2.0 MHz usable bandwidth limit", float64(span)/1e6)
		}
		cfg.RTLCenterHz = lo + span/2
	} else {
		cfg.RTLCenterHz = cfg.StationFreqsHz[0]
	}
	if raw := strings.TrimSpace(v.GetString("RTL_CENTER_FREQ")); raw != "" {
		hz, err := ParseFreqHz(raw)
		if err != nil {
			return nil, err
		}
		cfg.RTLCenterHz = hz
	}

	switch cfg.TranscriptionEngine {
	case "local", "remote", "none":
	default:
		return nil, fmt.Errorf("config: invalid TRANSCRIPTION_ENGINE %q", cfg.TranscriptionEngine)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
