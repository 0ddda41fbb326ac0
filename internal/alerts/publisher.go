// Package alerts gates end-of-lifecycle alerts behind transcription
// completion and publishes MQTT/WebSocket notifications, grounded on the
// original's _mqtt_pub/pub helpers and the rules engine's payload shapes.
package alerts

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tubalainen/rds-guard/internal/clock"
	"github.com/tubalainen/rds-guard/internal/eventstore"
	"github.com/tubalainen/rds-guard/internal/models"
)

// defaultHoldTimeout is spec §4.8's alert_hold_timeout default.
const defaultHoldTimeout = 120 * time.Second

// Broadcaster pushes a topic/payload envelope to connected WS console
// clients — implemented by internal/api's hub.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// mqttPublisher is the narrow slice of mqtt.Client this package needs —
// any paho.mqtt.golang Client satisfies it, and tests can supply a fake
// without stubbing the full Client interface.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type transcriptionResult struct {
	text        string
	status      models.TranscriptionStatus
	durationSec *float64
}

// Publisher owns the per-event transcription hold and the MQTT/WS fanout.
// One Publisher serves the whole process.
type Publisher struct {
	client       mqttPublisher // nil when MQTT_ENABLED=false
	topicPrefix  string
	qos          byte
	retainState  bool
	ws           Broadcaster
	store        *eventstore.Store
	clock        clock.Clock
	holdTimeout  time.Duration

	language string // transcription language, carried on the retained transcription topic

	mu      sync.Mutex
	pending map[uint64]chan transcriptionResult

	onPublishError func() // optional metrics hook, set via SetPublishErrorHook
}

// New constructs a Publisher. client may be nil if MQTT is disabled — all
// publish calls become no-ops, matching the original's `_mqtt_available`
// guard.
func New(client mqttPublisher, topicPrefix string, qos int, retainState bool, ws Broadcaster, store *eventstore.Store, c clock.Clock) *Publisher {
	holdTimeout := defaultHoldTimeout
	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         byte(qos),
		retainState: retainState,
		ws:          ws,
		store:       store,
		clock:       c,
		holdTimeout: holdTimeout,
		pending:     map[uint64]chan transcriptionResult{},
	}
}

// SetHoldTimeout overrides the default 120s transcription hold — exposed so
// ALERT_HOLD_TIMEOUT_SEC can be wired in from config.
func (p *Publisher) SetHoldTimeout(d time.Duration) { p.holdTimeout = d }

// SetPublishErrorHook registers a callback invoked whenever an MQTT publish
// fails or times out — wired to a Prometheus counter by the caller.
func (p *Publisher) SetPublishErrorHook(fn func()) { p.onPublishError = fn }

// SetLanguage records the configured transcription language for the
// retained transcription topic's payload.
func (p *Publisher) SetLanguage(lang string) { p.language = lang }

// Lifecycle receives a rules-engine transition. Gated transitions (the
// terminal end of a traffic/emergency event) wait for transcription before
// publishing; everything else publishes immediately.
func (p *Publisher) Lifecycle(payload models.LifecyclePayload) {
	if !payload.Gated() {
		status := payload.TranscriptionStatus
		if status == "" {
			status = models.TranscriptionNone
		}
		p.publishAlert(payload, "", status, nil)
		p.broadcastWS(payload)
		return
	}
	go p.holdAndPublish(payload)
}

func (p *Publisher) holdAndPublish(payload models.LifecyclePayload) {
	ch := make(chan transcriptionResult, 1)
	p.mu.Lock()
	p.pending[payload.EventID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, payload.EventID)
		p.mu.Unlock()
	}()

	if !payload.AudioAvailable {
		p.publishAlert(payload, "", models.TranscriptionNone, nil)
		p.broadcastWS(payload)
		return
	}

	select {
	case res := <-ch:
		p.publishAlert(payload, res.text, res.status, res.durationSec)
		p.broadcastWS(payload)
	case <-time.After(p.holdTimeout):
		_ = p.store.UpdateTranscriptionStatus(payload.EventID, models.TranscriptionTimeout)
		p.publishAlert(payload, "", models.TranscriptionTimeout, nil)
		p.broadcastWS(payload)
	}
}

// OnTranscriptionComplete is called by the transcriber worker when a job
// finishes with status done, error, or none (backend disabled). The hold
// timeout above governs the alert, not the transcription call itself.
func (p *Publisher) OnTranscriptionComplete(eventID uint64, text string, status models.TranscriptionStatus, durationSec *float64) {
	p.mu.Lock()
	ch, ok := p.pending[eventID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- transcriptionResult{text: text, status: status, durationSec: durationSec}:
		default:
		}
	}

	// Retained per-station transcription topic fires regardless of whether
	// an alert hold was waiting — spec §4.8(b): rds/<pi>/<type>/transcription.
	if status == models.TranscriptionDone {
		topic := "transcription"
		if e, err := p.store.Get(eventID); err == nil && e != nil {
			topic = e.StationPI + "/" + string(e.Type) + "/transcription"
		}
		p.publishRetained(topic, map[string]any{
			"event_id":      eventID,
			"transcription": text,
			"language":      p.language,
			"duration_sec":  durationSec,
		})
		if p.ws != nil {
			p.ws.Broadcast("transcription", map[string]any{
				"event_id": eventID, "transcription": text,
			})
		}
	}
}

// PublishField publishes a continuous per-field topic (ta/tp/rt/pty/...),
// independent of event lifecycle — spec §4.8(a). The retain flag only takes
// effect when MQTT_RETAIN_STATE is enabled.
func (p *Publisher) PublishField(pi, subtopic string, payload any, retain bool) {
	p.publish(pi+"/"+subtopic, payload, retain && p.retainState)
}

// PublishRaw mirrors a decoded group onto the system-wide MQTT raw topic —
// gated by PUBLISH_RAW, spec §6.
func (p *Publisher) PublishRaw(raw map[string]any) {
	p.publish("system/raw", raw, false)
}

// BroadcastGroup pushes a decoded group to the WS console's per-station
// <pi>/<group_type> topic. Unlike the MQTT raw mirror, the console always
// sees the live group stream.
func (p *Publisher) BroadcastGroup(pi, groupType string, raw map[string]any) {
	if p.ws != nil {
		p.ws.Broadcast(pi+"/"+groupType, raw)
	}
}

// PublishStatus publishes the periodic supervisor status snapshot on
// rds/system/status, spec §6.
func (p *Publisher) PublishStatus(status any) {
	p.publish("system/status", status, false)
}

// alertEventType maps the internal event type onto the wire names the
// rds/alert payload carries — spec §6.
func alertEventType(t models.EventType) string {
	switch t {
	case models.EventTraffic:
		return "traffic_announcement"
	case models.EventEmergency:
		return "emergency_broadcast"
	default:
		return string(t)
	}
}

func (p *Publisher) publishAlert(payload models.LifecyclePayload, transcribedText string, status models.TranscriptionStatus, durationSec *float64) {
	// transcribed_text is null unless the transcription actually completed —
	// a timeout/error/none alert never carries partial text.
	var text any
	if status == models.TranscriptionDone {
		text = transcribedText
	}
	msg := map[string]any{
		"event_type": alertEventType(payload.Type),
		"state":      payload.State,
		"event_id":   payload.EventID,
		"station": map[string]any{
			"pi":        payload.StationPI,
			"ps":        payload.StationPS,
			"frequency": payload.FrequencyHz,
		},
		"prog_type":            payload.ProgType,
		"started_at":           formatTime(payload.StartedAt),
		"ended_at":             formatTimePtr(payload.EndedAt),
		"duration_sec":         payload.DurationSec,
		"radiotext":            payload.Radiotext,
		"audio_available":      payload.AudioAvailable,
		"transcribed_text":     text,
		"transcription_status": status,
		"timestamp":            formatTime(payload.Timestamp),
	}
	if payload.LinkedStationPI != "" {
		msg["linked_station"] = map[string]any{
			"pi": payload.LinkedStationPI, "ps": payload.LinkedStationPS,
			"kilohertz": payload.LinkedKiloHertz,
		}
	}
	p.publish("alert", msg, false)
	log.Printf("📣 alert type=%s state=%s pi=%s event_id=%d", payload.Type, payload.State, payload.StationPI, payload.EventID)
}

func (p *Publisher) publishRetained(topic string, payload any) {
	p.publish(topic, payload, true)
}

func (p *Publisher) publish(topic string, payload any, retain bool) {
	if p.client == nil {
		return
	}
	full := p.topicPrefix + "/" + topic
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️  alerts: marshal %s: %v", full, err)
		return
	}
	token := p.client.Publish(full, p.qos, retain, b)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("⚠️  alerts: publish %s: %v", full, token.Error())
			if p.onPublishError != nil {
				p.onPublishError()
			}
		}
	}()
}

func (p *Publisher) broadcastWS(payload models.LifecyclePayload) {
	if p.ws == nil {
		return
	}
	p.ws.Broadcast("alert", payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
