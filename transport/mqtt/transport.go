// Package mqtt implements subscription.Transport on top of the Eclipse Paho client.
// Each Connect builds a fresh client with automatic reconnection disabled; the
// subscription manager owns reconnection and re-subscription.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/pkg/tlsutil"
	"github.com/amoahfrank/firewatch/subscription"
)

// subscribeFailure is the SUBACK return code for a rejected subscription
const subscribeFailure = 0x80

// Config holds broker connection settings
type Config struct {
	BrokerURL      string        `json:"broker_url" yaml:"broker_url"`
	ClientIDPrefix string        `json:"client_id_prefix" yaml:"client_id_prefix"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	KeepAlive      time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// TLS applies to ssl://, tls://, mqtts:// and wss:// brokers
	TLS tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Secure reports whether the broker URL asks for TLS
func (c Config) Secure() bool {
	scheme, _, _ := strings.Cut(c.BrokerURL, "://")
	switch strings.ToLower(scheme) {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

// DefaultConfig returns a local broker configuration
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientIDPrefix: "firewatch",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "mqtt", "Validate", "broker_url is required")
	}
	if c.KeepAlive < 0 || c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "mqtt", "Validate", "timeouts must not be negative")
	}
	return c.TLS.Validate()
}

// Transport is one MQTT session at a time
type Transport struct {
	cfg    Config
	tls    *tls.Config
	logger *slog.Logger

	mu     sync.RWMutex
	client paho.Client
}

var _ subscription.Transport = (*Transport)(nil)

// New creates a disconnected transport
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.With("component", "mqtt-transport"),
	}
	if cfg.Secure() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		t.tls = tlsConfig
	}
	return t, nil
}

// clientOptions translates Config and the per-connection options into paho options
func (t *Transport) clientOptions(opts subscription.ConnectOptions) *paho.ClientOptions {
	o := paho.NewClientOptions()
	o.AddBroker(t.cfg.BrokerURL)
	o.SetClientID(fmt.Sprintf("%s-%s", t.cfg.ClientIDPrefix, uuid.NewString()))
	if t.cfg.Username != "" {
		o.SetUsername(t.cfg.Username)
		o.SetPassword(t.cfg.Password)
	}
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOrderMatters(true)
	if t.cfg.KeepAlive > 0 {
		o.SetKeepAlive(t.cfg.KeepAlive)
	}
	if t.cfg.ConnectTimeout > 0 {
		o.SetConnectTimeout(t.cfg.ConnectTimeout)
	}
	if t.cfg.WriteTimeout > 0 {
		o.SetWriteTimeout(t.cfg.WriteTimeout)
	}
	if t.tls != nil {
		o.SetTLSConfig(t.tls)
	}
	if w := opts.Will; w != nil {
		o.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retained)
	}

	onMessage := opts.OnMessage
	o.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		if onMessage == nil {
			return
		}
		onMessage(subscription.Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			QoS:      m.Qos(),
			Retained: m.Retained(),
		})
	})

	var lostOnce sync.Once
	onLost := opts.OnConnectionLost
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		lostOnce.Do(func() {
			t.logger.Warn("Connection lost", "broker", t.cfg.BrokerURL, "error", err)
			if onLost != nil {
				onLost(err)
			}
		})
	})
	return o
}

// Connect opens a new session, replacing any previous client
func (t *Transport) Connect(ctx context.Context, opts subscription.ConnectOptions) error {
	client := paho.NewClient(t.clientOptions(opts))

	t.mu.Lock()
	prev := t.client
	t.client = client
	t.mu.Unlock()
	if prev != nil && prev.IsConnectionOpen() {
		prev.Disconnect(0)
	}

	if err := await(ctx, client.Connect()); err != nil {
		return errors.WrapTransient(err, "Transport", "Connect", "broker connect")
	}
	t.logger.Info("Connected", "broker", t.cfg.BrokerURL)
	return nil
}

func (t *Transport) current() (paho.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, errors.ErrNotConnected
	}
	return t.client, nil
}

// Subscribe registers pattern on the broker. Messages arrive through OnMessage.
func (t *Transport) Subscribe(ctx context.Context, pattern string, qos byte) error {
	client, err := t.current()
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Subscribe", "subscribe "+pattern)
	}
	token := client.Subscribe(pattern, qos, nil)
	if err := await(ctx, token); err != nil {
		return errors.WrapTransient(err, "Transport", "Subscribe", "subscribe "+pattern)
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subscribeFailure {
				return errors.Wrap(fmt.Errorf("%w: broker rejected %s", errors.ErrSubscriptionFailed, topic),
					"Transport", "Subscribe", "subscribe "+pattern)
			}
		}
	}
	return nil
}

// Unsubscribe removes pattern from the broker
func (t *Transport) Unsubscribe(ctx context.Context, pattern string) error {
	client, err := t.current()
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Unsubscribe", "unsubscribe "+pattern)
	}
	if err := await(ctx, client.Unsubscribe(pattern)); err != nil {
		return errors.WrapTransient(err, "Transport", "Unsubscribe", "unsubscribe "+pattern)
	}
	return nil
}

// Publish sends payload and waits for the broker acknowledgement at qos > 0
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	client, err := t.current()
	if err != nil {
		return errors.WrapTransient(err, "Transport", "Publish", "publish "+topic)
	}
	if err := await(ctx, client.Publish(topic, qos, retained, payload)); err != nil {
		return errors.WrapTransient(err, "Transport", "Publish", "publish "+topic)
	}
	return nil
}

// Disconnect closes the session, waiting up to quiesce for in-flight work
func (t *Transport) Disconnect(quiesce time.Duration) {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return
	}
	client.Disconnect(uint(quiesce / time.Millisecond))
	t.logger.Info("Disconnected", "broker", t.cfg.BrokerURL)
}

// IsConnected reports whether the current session is open
func (t *Transport) IsConnected() bool {
	_, err := t.current()
	return err == nil
}

func await(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
