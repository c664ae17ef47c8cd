package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/habitual/internal/config"
	"github.com/nugget/habitual/internal/events"
)

// StatsSource provides the process-level values behind the sensors.
// main wires an adapter so this package stays independent of the
// gateway and the stores.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// GatewayStatus returns the gateway watcher state, e.g. "ready",
	// "unavailable" or "rejected".
	GatewayStatus() string
	// LinkedChats returns the number of chats linked to an account.
	LinkedChats() int
	// RemindersToday returns the number of reminders recorded in the
	// completion ledger for the current local date.
	RemindersToday() int
}

// Publisher manages the MQTT connection, publishes HA discovery on
// every (re-)connect, forwards bus events and periodically pushes
// sensor states.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	activity   *DailyActivity
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. bus may be nil, in which
// case no events are forwarded and activity sensors stay at zero.
func New(cfg config.MQTTConfig, instanceID string, activity *DailyActivity, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if activity == nil {
		activity = NewDailyActivity(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		activity:   activity,
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "habitual-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. connwatch uses it as the broker probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "habitual/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	gateway := p.sensor("gateway", "Gateway", "mdi:message-processing")
	gateway.EntityCategory = "diagnostic"

	sent := p.sensor("reminders_today", "Reminders Today", "mdi:bell-ring")
	sent.StateClass = "total_increasing"
	sent.UnitOfMeasurement = "reminders"

	failed := p.sensor("reminder_failures_today", "Reminder Failures Today", "mdi:bell-alert")
	failed.StateClass = "total_increasing"
	failed.UnitOfMeasurement = "reminders"

	links := p.sensor("links_today", "Links Today", "mdi:link-variant")
	links.StateClass = "total_increasing"
	links.UnitOfMeasurement = "chats"

	linked := p.sensor("linked_chats", "Linked Chats", "mdi:account-multiple")
	linked.StateClass = "measurement"
	linked.UnitOfMeasurement = "chats"

	lastTick := p.sensor("last_tick", "Last Reminder Tick", "mdi:clock-check")
	lastTick.DeviceClass = "timestamp"
	lastTick.EntityCategory = "diagnostic"

	lastPoll := p.sensor("last_poll", "Last Link Poll", "mdi:clock-check-outline")
	lastPoll.DeviceClass = "timestamp"
	lastPoll.EntityCategory = "diagnostic"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"gateway", gateway},
		{"reminders_today", sent},
		{"reminder_failures_today", failed},
		{"links_today", links},
		{"linked_chats", linked},
		{"last_tick", lastTick},
		{"last_poll", lastPoll},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evCh <-chan events.Event
	if p.bus != nil {
		evCh = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(evCh)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			p.activity.Observe(e)
			p.publishEvent(ctx, e)
		}
	}
}

// states returns the current value of every sensor, keyed by entity.
func (p *Publisher) states() map[string]string {
	snap := p.activity.Snapshot()
	states := map[string]string{
		"reminder_failures_today": strconv.FormatInt(snap.RemindersFailed, 10),
		"links_today":             strconv.FormatInt(snap.ChatsLinked, 10),
		"last_tick":               formatTimestamp(snap.LastTick),
		"last_poll":               formatTimestamp(snap.LastPoll),
	}
	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["gateway"] = p.stats.GatewayStatus()
		states["linked_chats"] = strconv.Itoa(p.stats.LinkedChats())
		states["reminders_today"] = strconv.Itoa(p.stats.RemindersToday())
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventsTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// formatTimestamp renders t for an HA timestamp sensor. HA treats
// "unknown" as no value.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
