package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultQoS            = 1
	defaultPublishTimeout = 10 * time.Second
	disconnectQuiesce     = 1000 // milliseconds
	maxPayloadSize        = 1 << 20
	eventBuffer           = 16
)

// Event reports a change of the broker connection.
type Event struct {
	Connected bool
	// Err is the reason the connection was lost, nil for Connected events.
	Err error
}

// Client wraps a paho client. paho owns the connection and its reconnect loop; state changes are
// reported on the Events channel.
type Client struct {
	client            pahomqtt.Client
	availabilityTopic string
	publishTimeout    time.Duration
	logger            *slog.Logger

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// New configures opts with the availability last will and connection handlers and creates the
// client. It does not connect.
func New(opts *pahomqtt.ClientOptions, baseTopic string, logger *slog.Logger) *Client {
	c := newClient(baseTopic, logger)

	opts.SetWill(c.availabilityTopic, PayloadOffline, defaultQoS, true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info("mqtt reconnecting")
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

func newClient(baseTopic string, logger *slog.Logger) *Client {
	return &Client{
		availabilityTopic: AvailabilityTopic(baseTopic),
		publishTimeout:    defaultPublishTimeout,
		logger:            logger,
		events:            make(chan Event, eventBuffer),
		closed:            make(chan struct{}),
	}
}

// Connect starts connecting in the background. With connect retry enabled paho keeps trying until
// it succeeds or the client is closed.
func (c *Client) Connect() {
	token := c.client.Connect()

	go func() {
		select {
		case <-token.Done():
		case <-c.closed:
			return
		}

		if err := token.Error(); err != nil {
			c.logger.Error("mqtt connect failed", "error", err)
		}
	}()
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *Client) handleConnect() {
	c.logger.Info("mqtt connected")
	c.emit(Event{Connected: true})
}

func (c *Client) handleConnectionLost(err error) {
	c.logger.Warn("mqtt connection lost", "error", err)
	c.emit(Event{Connected: false, Err: err})
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.closed:
	}
}

// Publish sends payload with QoS 1 and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	if !validTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, defaultQoS, retained, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("%w: publish to %v after %v", ErrTimeout, topic, c.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishAvailability publishes the retained online or offline marker.
func (c *Client) PublishAvailability(online bool) error {
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	return c.Publish(c.availabilityTopic, true, []byte(payload))
}

// Close marks the bridge offline and disconnects, giving queued publishes time to drain.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.client.IsConnectionOpen() {
			if err := c.PublishAvailability(false); err != nil {
				c.logger.Warn("failed to publish offline state", "error", err)
			}
		}

		c.client.Disconnect(disconnectQuiesce)
		close(c.closed)
	})
}
