package uplink

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rallykit/dashd/internal/config"
	"github.com/rallykit/dashd/internal/detect"
	"github.com/rallykit/dashd/internal/monitoring"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
	mqttQoS            = 1
)

type mqttMessage struct {
	topic   string
	payload []byte
	retain  bool
}

// MQTTPublisher pushes live events and readings to a broker. Publishes
// are fire and forget: a bounded queue absorbs broker hiccups and
// overflow drops the oldest-intent messages rather than stalling the
// capture path.
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	queue   chan mqttMessage
	dropped uint64
	mu      sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMQTTPublisher connects to the broker and starts the publish
// worker. The connection keeps retrying in the background, so a broker
// that is down at boot does not fail startup.
func NewMQTTPublisher(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		cfg:    cfg,
		queue:  make(chan mqttMessage, cfg.QueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	statusTopic := cfg.TopicPrefix + "/status"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(statusTopic, "offline", mqttQoS, true)
	opts.OnConnect = func(c mqtt.Client) {
		monitoring.Logf("uplink: mqtt connected to %s", cfg.Broker)
		c.Publish(statusTopic, mqttQoS, true, "online")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		monitoring.Logf("uplink: mqtt connection lost: %v", err)
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) {
		if err := token.Error(); err != nil {
			monitoring.Logf("uplink: mqtt initial connect failed, retrying in background: %v", err)
		}
	}

	go p.worker()
	return p, nil
}

// PublishEvent enqueues a completed event for delivery.
func (p *MQTTPublisher) PublishEvent(ev *detect.Event) {
	payload, err := json.Marshal(map[string]any{
		"id":         ev.ID,
		"type":       ev.Type.String(),
		"start_time": ev.StartTime,
		"end_time":   ev.EndTime,
		"peak_value": ev.PeakValue,
		"latitude":   ev.Latitude,
		"longitude":  ev.Longitude,
		"speed_kph":  ev.SpeedKPH,
	})
	if err != nil {
		monitoring.Logf("uplink: marshal event %s: %v", ev.ID, err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s", p.cfg.TopicPrefix, ev.Type)
	p.enqueue(mqttMessage{topic: topic, payload: payload})
}

// PublishReading enqueues one telemetry reading.
func (p *MQTTPublisher) PublishReading(ts float64, name string, value float64) {
	payload, err := json.Marshal(map[string]any{"ts": ts, "value": value})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/telemetry/%s", p.cfg.TopicPrefix, name)
	p.enqueue(mqttMessage{topic: topic, payload: payload})
}

// Dropped returns how many messages were discarded because the queue
// was full.
func (p *MQTTPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Stop flushes queued messages best effort and disconnects.
func (p *MQTTPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		p.client.Disconnect(250)
	})
}

func (p *MQTTPublisher) enqueue(msg mqttMessage) {
	select {
	case p.queue <- msg:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		if n%100 == 1 {
			monitoring.Logf("uplink: mqtt queue full, dropped %d messages so far", n)
		}
	}
}

func (p *MQTTPublisher) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			// Drain whatever is already queued before disconnect.
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		case msg := <-p.queue:
			p.send(msg)
		}
	}
}

func (p *MQTTPublisher) send(msg mqttMessage) {
	if !p.client.IsConnectionOpen() {
		return
	}
	token := p.client.Publish(msg.topic, mqttQoS, msg.retain, msg.payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		monitoring.Debugf("uplink: mqtt publish timeout on %s", msg.topic)
		return
	}
	if err := token.Error(); err != nil {
		monitoring.Logf("uplink: mqtt publish %s: %v", msg.topic, err)
	}
}
