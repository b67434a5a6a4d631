package spool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// TxPath: cloud endpoint receiving forwarded transmissions.
const TxPath = "/api/glyphnet/tx"

// HTTPForwarder POSTs bodies as JSON; any 2xx is delivery.
type HTTPForwarder struct {
	URL    string
	Client *http.Client
}

// NewHTTPForwarder targets base + TxPath. A base without scheme gets https://.
func NewHTTPForwarder(base, proxy string) *HTTPForwarder {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &HTTPForwarder{URL: base + TxPath, Client: HTTPClient(proxy)}
}

// HTTPClient with a 10s timeout; proxy "" = environment proxy settings.
func HTTPClient(proxy string) *http.Client {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForward, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForward, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrForward, resp.StatusCode)
	}
	return nil
}

// MQTTConfig: broker target for MQTTForwarder.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Timeout  time.Duration
}

// MQTTForwarder publishes bodies to one topic and waits for the broker ack.
type MQTTForwarder struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTTForwarder connects to the broker. The client reconnects on its own;
// publishes while disconnected fail and the item is retried by the queue.
func NewMQTTForwarder(cfg MQTTConfig, log zerolog.Logger) (*MQTTForwarder, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := mqtt.NewClient(opts)
	// with ConnectRetry the token completes on first success; don't block startup on it
	tok := c.Connect()
	if tok.WaitTimeout(timeout) && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, tok.Error())
	}
	return newMQTTForwarder(c, cfg.Topic, cfg.QoS, timeout), nil
}

func newMQTTForwarder(c mqtt.Client, topic string, qos byte, timeout time.Duration) *MQTTForwarder {
	return &MQTTForwarder{client: c, topic: topic, qos: qos, timeout: timeout}
}

func (f *MQTTForwarder) Forward(ctx context.Context, body []byte) error {
	if !f.client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt not connected", ErrForward)
	}
	tok := f.client.Publish(f.topic, f.qos, false, body)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrForward, ctx.Err())
	case <-time.After(f.timeout):
		return fmt.Errorf("%w: mqtt publish timeout", ErrForward)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrForward, err)
	}
	return nil
}

// Close disconnects from the broker.
func (f *MQTTForwarder) Close() {
	f.client.Disconnect(250)
}
