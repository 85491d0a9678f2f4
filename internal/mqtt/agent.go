package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

// DefaultQueueSize bounds messages waiting for the agent.
const DefaultQueueSize = 16

// Responder answers one inbound message. *runtime.Runtime implements it.
type Responder interface {
	Name() string
	ProcessMessage(ctx context.Context, msg plugin.Message) (*runtime.Response, error)
}

// Config describes the broker connection.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	InstanceID  string
}

// Inbound is the JSON form of a message sent to an agent. Plain-text
// payloads are accepted too.
type Inbound struct {
	Text   string `json:"text"`
	UserID string `json:"userId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

// Outbound is published for every reply.
type Outbound struct {
	Text   string `json:"text"`
	User   string `json:"user"`
	RoomID string `json:"roomId"`
	Action string `json:"action,omitempty"`
}

// AgentClient is one agent's broker connection.
type AgentClient struct {
	cfg       Config
	username  string
	responder Responder
	logger    *slog.Logger
	events    *events.Bus

	cm      *autopaho.ConnectionManager
	publish func(ctx context.Context, topic string, payload []byte, retain bool) error
	queue   chan Inbound
	dropped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgentClient creates a client. It does not connect until Start.
func NewAgentClient(cfg Config, username string, r Responder, logger *slog.Logger, bus *events.Bus) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "troupe"
	}
	c := &AgentClient{
		cfg:       cfg,
		username:  username,
		responder: r,
		logger:    logger.With("client", "mqtt"),
		events:    bus,
		queue:     make(chan Inbound, DefaultQueueSize),
	}
	c.publish = c.brokerPublish
	return c
}

// Name identifies the client kind.
func (c *AgentClient) Name() string { return "mqtt" }

func (c *AgentClient) baseTopic() string {
	return strings.TrimSuffix(c.cfg.TopicPrefix, "/") + "/" + TopicSegment(c.username)
}

// InboxTopic is where messages for the agent arrive.
func (c *AgentClient) InboxTopic() string { return c.baseTopic() + "/in" }

// OutboxTopic is where replies are published.
func (c *AgentClient) OutboxTopic() string { return c.baseTopic() + "/out" }

// StatusTopic carries the retained online/offline availability.
func (c *AgentClient) StatusTopic() string { return c.baseTopic() + "/status" }

// Start opens the broker connection and the reply worker. It returns
// without waiting for the broker; autopaho keeps retrying in the
// background.
func (c *AgentClient) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.StatusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker, "inbox", c.InboxTopic())
			if _, err := cm.Subscribe(runCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: c.InboxTopic(), QoS: 1}},
			}); err != nil {
				c.logger.Warn("mqtt subscribe failed", "topic", c.InboxTopic(), "error", err)
			}
			if _, err := cm.Publish(runCtx, &paho.Publish{
				Topic:   c.StatusTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				c.logger.Warn("mqtt status publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID(c.cfg.InstanceID, c.username),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.enqueue(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	c.startWorker(runCtx)
	return nil
}

func (c *AgentClient) startWorker(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-c.queue:
				c.handle(ctx, in)
			}
		}
	}()
}

// enqueue decodes a payload and queues it for the agent. A full queue
// drops the message.
func (c *AgentClient) enqueue(topic string, payload []byte) {
	in, ok := decodeInbound(payload)
	if !ok {
		c.logger.Debug("mqtt empty message ignored", "topic", topic)
		return
	}
	select {
	case c.queue <- in:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("mqtt queue full, message dropped", "topic", topic, "dropped_total", n)
	}
}

func decodeInbound(payload []byte) (Inbound, bool) {
	var in Inbound
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal(payload, &in) == nil {
		in.Text = strings.TrimSpace(in.Text)
	} else {
		in = Inbound{Text: trimmed}
	}
	if in.Text == "" {
		return Inbound{}, false
	}
	if in.UserID == "" {
		in.UserID = "mqtt"
	}
	if in.RoomID == "" {
		in.RoomID = "mqtt"
	}
	return in, true
}

func (c *AgentClient) handle(ctx context.Context, in Inbound) {
	c.events.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindMessageReceived,
		Data:   map[string]any{"agent": c.responder.Name(), "room_id": in.RoomID},
	})

	resp, err := c.responder.ProcessMessage(ctx, plugin.Message{RoomID: in.RoomID, UserID: in.UserID, Text: in.Text})
	if err != nil {
		c.logger.Error("mqtt message failed", "room_id", in.RoomID, "error", err)
		return
	}
	for _, text := range resp.Messages {
		payload, err := json.Marshal(Outbound{Text: text, User: c.responder.Name(), RoomID: in.RoomID, Action: resp.Action})
		if err != nil {
			c.logger.Error("mqtt encode reply failed", "error", err)
			return
		}
		if err := c.publish(ctx, c.OutboxTopic(), payload, false); err != nil {
			c.logger.Warn("mqtt reply publish failed", "topic", c.OutboxTopic(), "error", err)
		}
	}
}

func (c *AgentClient) brokerPublish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: retain})
	return err
}

// AwaitConnection blocks until the broker connection is up or ctx
// ends. It backs connwatch probes.
func (c *AgentClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// Stop publishes "offline", disconnects and waits for the worker.
func (c *AgentClient) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	var err error
	if c.cm != nil {
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = c.publish(pubCtx, c.StatusTopic(), []byte("offline"), true)
		cancel()
		err = c.cm.Disconnect(ctx)
	}
	c.cancel()
	c.wg.Wait()
	return err
}
