// Package mqtt publishes controller events to an MQTT broker and accepts
// commands from it.
//
// Events go to <prefix>/<address>/<kind> (or <prefix>/<kind> for fleet-wide
// events). Commands arrive on <prefix>/cmd/<name> with an optional JSON
// payload.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/lowaak/applicator-hub/internal/config"
	"github.com/sirupsen/logrus"
)

// CommandFunc handles a command received on <prefix>/cmd/<name>.
type CommandFunc func(name string, payload []byte) error

type Client struct {
	client  paho.Client
	logger  *logrus.Logger
	broker  string
	prefix  string
	command CommandFunc
}

// NewClient returns nil when MQTT is disabled. A nil *Client is safe to use;
// every method is a no-op.
func NewClient(cfg config.MQTTConfig, command CommandFunc, logger *logrus.Logger) *Client {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		panic("mqtt.Client: logger cannot be nil")
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	// keep trying at start so the hub survives a broker that is not up yet
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		logger:  logger,
		broker:  cfg.Broker,
		prefix:  prefix,
		command: command,
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.WithError(err).Warn("MQTT: connection lost, reconnecting in background")
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		logger.Info("MQTT: reconnecting")
	})
	c.client = paho.NewClient(opts)
	return c
}

func (c *Client) Connect() error {
	if c == nil {
		return nil
	}
	c.logger.WithField("broker", c.broker).Info("MQTT: connecting")
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Disconnect publishes offline availability, then closes the connection.
func (c *Client) Disconnect() {
	if c == nil || !c.client.IsConnected() {
		return
	}
	token := c.client.Publish(c.topic("availability"), 1, true, "offline")
	if !token.WaitTimeout(2 * time.Second) {
		c.logger.Warn("MQTT: timed out publishing offline status")
	} else if token.Error() != nil {
		c.logger.WithError(token.Error()).Warn("MQTT: publishing offline status failed")
	}
	c.client.Disconnect(250)
	c.logger.Info("MQTT: disconnected")
}

// PublishEvent publishes payload as JSON under the device's topic. An empty
// address publishes under the prefix itself.
func (c *Client) PublishEvent(address, kind string, payload any) {
	if c == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).WithField("kind", kind).Warn("MQTT: encoding event failed")
		return
	}
	c.Publish(EventTopic(address, kind), body, false)
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload any, retained bool) {
	if c == nil || !c.client.IsConnected() {
		return
	}
	topic := c.topic(subtopic)
	token := c.client.Publish(topic, 0, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.logger.WithField("topic", topic).Warn("MQTT: publish timed out")
		} else if token.Error() != nil {
			c.logger.WithError(token.Error()).WithField("topic", topic).Warn("MQTT: publish failed")
		}
	}()
}

func (c *Client) topic(subtopic string) string {
	if c.prefix == "" {
		return subtopic
	}
	return c.prefix + "/" + subtopic
}

// EventTopic is the subtopic of an event of kind for address.
func EventTopic(address, kind string) string {
	if address == "" {
		return kind
	}
	return strings.ReplaceAll(address, ":", "") + "/" + kind
}

func (c *Client) onConnect(client paho.Client) {
	c.logger.Info("MQTT: connected")
	topic := c.topic("cmd/+")
	if token := client.Subscribe(topic, 1, c.handleCommand); token.Wait() && token.Error() != nil {
		c.logger.WithError(token.Error()).WithField("topic", topic).Error("MQTT: subscribe failed")
	} else {
		c.logger.WithField("topic", topic).Info("MQTT: subscribed")
	}
	c.Publish("availability", "online", true)
}

func (c *Client) handleCommand(_ paho.Client, msg paho.Message) {
	name := msg.Topic()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	log := c.logger.WithFields(logrus.Fields{"topic": msg.Topic(), "command": name})
	if c.command == nil {
		log.Warn("MQTT: no command handler")
		return
	}
	if err := c.command(name, msg.Payload()); err != nil {
		log.WithError(err).Warn("MQTT: command failed")
		c.PublishEvent("", "error", map[string]string{"command": name, "error": err.Error()})
		return
	}
	log.Debug("MQTT: command handled")
}
