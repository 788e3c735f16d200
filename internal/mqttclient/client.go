package mqttclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client publishes job events to an MQTT broker. Publishing never blocks
// the caller on broker acknowledgement.
type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	published atomic.Int64
	dropped   atomic.Int64
	log       zerolog.Logger

	// OnPublish, when set, is called with the event type after each send.
	OnPublish func(eventType string)
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    opts.Log,
	}
	if c.prefix == "" {
		c.prefix = "whisper-queue"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false).
		SetWill(c.prefix+"/status", "offline", 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	client.Publish(c.prefix+"/status", 1, true, "online")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic maps an event type like "job.done" to "<prefix>/job/done".
func (c *Client) Topic(eventType string) string {
	return c.prefix + "/" + strings.ReplaceAll(eventType, ".", "/")
}

// Publish sends payload as JSON with QoS 0. Events raised while the broker is
// unreachable are counted and dropped.
func (c *Client) Publish(eventType string, payload map[string]any) {
	if !c.connected.Load() {
		c.dropped.Add(1)
		return
	}
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = eventType
	body["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(body)
	if err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("marshal mqtt event")
		return
	}
	c.conn.Publish(c.Topic(eventType), 0, false, data)
	c.published.Add(1)
	if c.OnPublish != nil {
		c.OnPublish(eventType)
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns published and dropped event counts.
func (c *Client) Stats() (published, dropped int64) {
	return c.published.Load(), c.dropped.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.conn.IsConnected() {
		c.conn.Publish(c.prefix+"/status", 1, true, "offline").WaitTimeout(time.Second)
	}
	c.conn.Disconnect(1000)
}
