// Package relay mirrors audit records and watch events onto the agent mesh
// over MQTT. The relay is a sink: publish failures are logged and dropped,
// never surfaced to the request that produced the event.
package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/fsgate/internal/types"
)

// Client is the slice of the paho client the relay uses; tests substitute a
// recording fake.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token { return p.client.Connect() }
func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}
func (p *pahoClient) Disconnect(quiesce uint) { p.client.Disconnect(quiesce) }

// Relay publishes gateway events to an MQTT broker.
type Relay struct {
	broker      string
	clientID    string
	topicPrefix string
	logger      *slog.Logger
	client      Client

	clientFactory func(opts *mqtt.ClientOptions) Client
}

// New creates a relay for the given broker URL (e.g. tcp://host:1883).
func New(broker, clientID, topicPrefix string, logger *slog.Logger) *Relay {
	if topicPrefix == "" {
		topicPrefix = "fsgate"
	}
	return &Relay{
		broker:      broker,
		clientID:    clientID,
		topicPrefix: topicPrefix,
		logger:      logger.With("component", "relay"),
		clientFactory: func(opts *mqtt.ClientOptions) Client {
			return &pahoClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewWithClient creates a relay with a custom client factory (for testing).
func NewWithClient(broker, clientID, topicPrefix string, logger *slog.Logger, factory func(*mqtt.ClientOptions) Client) *Relay {
	r := New(broker, clientID, topicPrefix, logger)
	r.clientFactory = factory
	return r
}

// Start connects to the broker.
func (r *Relay) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.broker)
	opts.SetClientID(r.clientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		r.logger.Warn("mqtt connection lost", "error", err)
	})

	r.client = r.clientFactory(opts)
	token := r.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("relay: connect %s: %w", r.broker, token.Error())
	}
	r.logger.Info("relay connected", "broker", r.broker)
	return nil
}

// Stop disconnects from the broker.
func (r *Relay) Stop() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}

// PublishAudit mirrors one audit line onto <prefix>/audit.
func (r *Relay) PublishAudit(line []byte) {
	r.publish(r.topicPrefix+"/audit", line)
}

// AuditWriter adapts the relay into an io.Writer so it can sit behind an
// io.MultiWriter with the primary audit sink.
func (r *Relay) AuditWriter() io.Writer {
	return auditWriter{r}
}

type auditWriter struct{ r *Relay }

func (w auditWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	w.r.PublishAudit(line)
	return len(p), nil
}

// PublishEvent mirrors one watch event onto <prefix>/events/<session>.
func (r *Relay) PublishEvent(sessionID string, ev types.FsEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("relay: marshal event", "error", err)
		return
	}
	r.publish(r.topicPrefix+"/events/"+sessionID, payload)
}

func (r *Relay) publish(topic string, payload []byte) {
	if r.client == nil {
		return
	}
	token := r.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			r.logger.Warn("relay: publish failed", "topic", topic, "error", token.Error())
		}
	}()
}
