// Package mqtt forwards client events to an MQTT broker. It defines the
// Publisher interface and includes both a StubPublisher (no-op) and a
// BrokerPublisher that connects to a broker, maintains a retained
// availability topic, and relays inventory and realtime events from the
// EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jlindqvist/protectd/internal/config"
	"github.com/jlindqvist/protectd/internal/core/state"
)

// Publisher sends events to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// BrokerPublisher
// ---------------------------------------------------------------------------

var _ Publisher = (*BrokerPublisher)(nil)

// BrokerPublisher forwards EventBus events to broker topics under a
// configurable prefix:
//
//	<prefix>/status                     availability, retained
//	<prefix>/device/<mac>/discovered    device record
//	<prefix>/device/<mac>/removed       device record
//	<prefix>/admin                      privilege flag, retained
//	<prefix>/connection                 realtime channel status, retained
//	<prefix>/update                     raw realtime packets
type BrokerPublisher struct {
	cfg config.MQTTConfig
	bus *state.EventBus
	log *slog.Logger

	client pahomqtt.Client

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewBrokerPublisher creates a publisher bound to the event bus.
func NewBrokerPublisher(cfg config.MQTTConfig, bus *state.EventBus, log *slog.Logger) *BrokerPublisher {
	return &BrokerPublisher{
		cfg:   cfg,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// Start connects to the MQTT broker and begins relaying events.
func (p *BrokerPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected")
			p.publish(availTopic, "online", true)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *BrokerPublisher) Stop(_ context.Context) error {
	close(p.stopC)

	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

func (p *BrokerPublisher) eventLoop(events <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *BrokerPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDeviceDiscovered:
		if dev, ok := evt.Data.(state.Device); ok {
			p.publishJSON(p.topic("device/"+dev.MAC+"/discovered"), dev, false)
		}
	case state.EventDeviceRemoved:
		if dev, ok := evt.Data.(state.Device); ok {
			p.publishJSON(p.topic("device/"+dev.MAC+"/removed"), dev, false)
		}
	case state.EventAdminChanged:
		if admin, ok := evt.Data.(bool); ok {
			p.publish(p.topic("admin"), fmt.Sprintf("%t", admin), true)
		}
	case state.EventConnected:
		p.publish(p.topic("connection"), "online", true)
	case state.EventDisconnected:
		p.publish(p.topic("connection"), "offline", true)
	case state.EventUpdate:
		p.publishJSON(p.topic("update"), evt.Data, false)
	}
}

func (p *BrokerPublisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func (p *BrokerPublisher) publish(topic, payload string, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Warn("MQTT publish failed", "topic", topic, "error", err)
	}
}

func (p *BrokerPublisher) publishJSON(topic string, v interface{}, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("MQTT payload encode failed", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), retained)
}
