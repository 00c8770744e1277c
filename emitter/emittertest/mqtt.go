// Package emittertest provides an in-memory MQTT client for tests.
package emittertest

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Message struct {
	TopicName string
	QoS       byte
	Body      []byte
}

func (m Message) Duplicate() bool   { return false }
func (m Message) Qos() byte         { return m.QoS }
func (m Message) Retained() bool    { return false }
func (m Message) Topic() string     { return m.TopicName }
func (m Message) MessageID() uint16 { return 0 }
func (m Message) Payload() []byte   { return m.Body }
func (m Message) Ack()              {}

type token struct {
	err error
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Error() error                   { return t.err }

func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Client records every publish and routes Deliver calls to subscribers.
// PublishErr and ConnectErr make the matching calls fail. OnConnect runs after
// every successful Connect, like the real client's handler.
type Client struct {
	PublishErr error
	ConnectErr error
	OnConnect  mqtt.OnConnectHandler

	mu        sync.Mutex
	connected bool
	connects  int
	published []Message
	handlers  map[string]mqtt.MessageHandler
}

var _ mqtt.Client = (*Client)(nil)

func NewClient() *Client {
	return &Client{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.connects++
	err := c.ConnectErr
	if err == nil {
		c.connected = true
	}
	onConnect := c.OnConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return &token{err: err}
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PublishErr != nil {
		return &token{err: c.PublishErr}
	}
	c.published = append(c.published, Message{TopicName: topic, QoS: qos, Body: body})
	return &token{}
}

func (c *Client) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return &token{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return &token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	c.mu.Unlock()
	return &token{}
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Published returns a copy of every message published so far.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Last returns the most recent payload published on topic.
func (c *Client) Last(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].TopicName == topic {
			return string(c.published[i].Body), true
		}
	}
	return "", false
}

func (c *Client) Reset() {
	c.mu.Lock()
	c.published = nil
	c.mu.Unlock()
}

// Deliver hands a message to every subscription whose filter matches topic.
func (c *Client) Deliver(topic string, payload []byte) {
	c.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range c.handlers {
		if Match(filter, topic) {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		h(c, Message{TopicName: topic, Body: payload})
	}
}

// Match reports whether an MQTT topic filter (with + and # wildcards) matches
// topic.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
