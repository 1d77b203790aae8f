package mqttbridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 5 * time.Second
	disconnectQuiesce = 500 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnectDelay = time.Minute
)

// Handler receives messages for a subscribed topic.
type Handler func(topic string, payload []byte)

// Client is the MQTT surface the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler Handler) error
	Close()
}

// ClientConfig configures a paho connection.
type ClientConfig struct {
	Broker   string
	ClientID string // random when empty
	Username string
	Password string
	// WillTopic receives PayloadOffline, retained, if the connection drops
	// without Close.
	WillTopic string
	QoS       byte
}

// PahoClient implements Client on paho.mqtt.golang. Subscriptions are
// restored after the client reconnects.
type PahoClient struct {
	client pahomqtt.Client
	log    *slog.Logger

	mu        sync.Mutex
	subs      map[string]subscription
	onConnect func()
}

type subscription struct {
	qos     byte
	handler Handler
}

// DefaultClientID returns a client id with a random suffix.
func DefaultClientID() string {
	return "serenescent-" + uuid.NewString()[:8]
}

// Dial connects to the broker.
func Dial(cfg ClientConfig, logger *slog.Logger) (*PahoClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID()
	}

	c := &PahoClient{log: logger, subs: make(map[string]subscription)}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, PayloadOffline, cfg.QoS, true)
	}
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn("[MQTT] connection lost", "err", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqttbridge: connect to %s: %w", cfg.Broker, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbridge: connect to %s: %w", cfg.Broker, err)
	}
	c.log.Info("[MQTT] connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return c, nil
}

// SetOnConnect registers a callback run after every (re)connect, once
// subscriptions are restored.
func (c *PahoClient) SetOnConnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

func (c *PahoClient) handleConnect() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	cb := c.onConnect
	c.mu.Unlock()

	for topic, s := range subs {
		c.client.Subscribe(topic, s.qos, c.wrap(s.handler))
	}
	if cb != nil {
		cb()
	}
}

// Publish sends payload and waits for the broker to accept it.
func (c *PahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("mqttbridge: publish %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttbridge: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic and remembers it for reconnects.
func (c *PahoClient) Subscribe(topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrap(handler))
	if !token.WaitTimeout(operationTimeout) {
		c.forget(topic)
		return fmt.Errorf("mqttbridge: subscribe %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("mqttbridge: subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *PahoClient) forget(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
}

// Close disconnects from the broker.
func (c *PahoClient) Close() {
	c.client.Disconnect(disconnectQuiesce)
}

func (c *PahoClient) wrap(handler Handler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("[MQTT] handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
