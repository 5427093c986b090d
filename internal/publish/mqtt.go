// Package publish mirrors the telemetry state to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

const (
	publishTimeout = 5 * time.Second
	disconnectWait = 250 // ms
)

// Config holds broker settings.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	Topic       string
	QoS         byte
	Retain      bool
	MinInterval time.Duration
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends the current snapshot to a topic whenever it changes, at
// most once per MinInterval. Intermediate snapshots are skipped.
type Publisher struct {
	cfg    Config
	store  *snapshot.Store
	log    *zap.SugaredLogger
	client client
}

// New builds a publisher with a paho client that reconnects on its own.
func New(cfg Config, store *snapshot.Store, log *zap.SugaredLogger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "elmdash-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Infof("connected to %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("connection to %s lost: %v", cfg.Broker, err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return newPublisher(cfg, store, log, mqtt.NewClient(opts))
}

func newPublisher(cfg Config, store *snapshot.Store, log *zap.SugaredLogger, c client) *Publisher {
	return &Publisher{cfg: cfg, store: store, log: log, client: c}
}

// Run connects and publishes until ctx is cancelled. Broker outages are
// logged and retried by the client; Run itself only returns on cancellation.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Infof("publishing to %s topic %q", p.cfg.Broker, p.cfg.Topic)
	// With connect retry on, the token completes once a connection is made.
	p.client.Connect()
	defer p.client.Disconnect(disconnectWait)

	snap, changed := p.store.Watch()
	var last time.Time
	for {
		if wait := p.cfg.MinInterval - time.Since(last); !last.IsZero() && wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			snap, changed = p.store.Watch()
		}

		p.publish(snap)
		last = time.Now()

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		snap, changed = p.store.Watch()
	}
}

func (p *Publisher) publish(snap *snapshot.Snapshot) {
	if !p.client.IsConnectionOpen() {
		p.log.Debugf("broker not connected, dropping seq %d", snap.Seq)
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Errorf("encode state: %v", err)
		return
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.log.Warnf("publish seq %d timed out", snap.Seq)
		return
	}
	if err := token.Error(); err != nil {
		p.log.Warnf("publish seq %d: %v", snap.Seq, err)
	}
}
