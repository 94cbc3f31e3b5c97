// Package mqtt wraps the eclipse/paho MQTT client behind the small
// Publisher/Subscriber seam the tmpo core depends on. The core treats
// MQTT transport as an external collaborator and never imports this
// package directly.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// Publisher hands raw bytes off to a topic. internal/tmpo.Publisher is
// satisfied by *Client.
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

// Subscriber registers a handler for messages arriving on a topic (which
// may include MQTT wildcards). retained lets the caller implement
// the "ignore retained messages" rule for the sensor
// uplink topic specifically, without this package hard-coding which
// topics that rule applies to.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte, retained bool)) error
}

// Config holds the handful of knobs needed to dial a broker.
type Config struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ReconnectBackoff is the delay between reconnect attempts after a
	// disconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// Client is a paho-backed Publisher and Subscriber.
type Client struct {
	cfg    Config
	logger log.Logger
	pc     paho.Client
}

// Dial connects a new Client to the broker named in cfg. The returned
// Client keeps reconnecting with a fixed backoff for the lifetime of the
// process; disconnects are logged, never fatal to the caller.
func Dial(cfg Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}

	c := &Client{cfg: cfg, logger: logger}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("tmpo-%s", uuid.New().String())).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectBackoff).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			level.Warn(logger).Log("msg", "mqtt connection lost, reconnecting", "backoff", cfg.ReconnectBackoff, "err", err)
		}).
		SetOnConnectHandler(func(_ paho.Client) {
			level.Info(logger).Log("msg", "mqtt connected", "broker", cfg.Broker)
		})

	c.pc = paho.NewClient(opts)
	token := c.pc.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, token.Error())
	}

	return c, nil
}

// Publish implements tmpo.Publisher and returns the broker's error for
// the publish. The core's callers (Flusher, Compactor, SyncEngine) log
// such an error and carry on with the rest of the tick; a publish error
// does not abort the current tick.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := c.pc.Publish(topic, qos, retain, payload)
	token.Wait()
	return token.Error()
}

// Subscribe implements tmpo.Subscriber. Whether to act on a retained
// message is left to handler (the uplink subscription drops
// retained messages only for the sensor uplink topic, not every
// subscription).
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte, retained bool)) error {
	token := c.pc.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload(), msg.Retained())
	})
	token.Wait()
	return token.Error()
}

// Disconnect gracefully closes the connection, waiting up to the given
// quiesce period for in-flight work to drain.
func (c *Client) Disconnect(quiesce uint) {
	c.pc.Disconnect(quiesce)
}
