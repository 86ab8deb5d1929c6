package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/pkg/tlsutil"
	"github.com/amoahfrank/firewatch/subscription"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BrokerURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))

	cfg = DefaultConfig()
	cfg.KeepAlive = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestClientOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "gateway"
	cfg.Password = "secret"
	tr, err := New(cfg, nil)
	require.NoError(t, err)

	will := &subscription.Will{
		Topic:    "forest-fire/gateway/status",
		Payload:  []byte(`{"status":"offline"}`),
		QoS:      1,
		Retained: true,
	}
	o := tr.clientOptions(subscription.ConnectOptions{Will: will})

	assert.True(t, strings.HasPrefix(o.ClientID, "firewatch-"))
	assert.Equal(t, "gateway", o.Username)
	assert.Equal(t, "secret", o.Password)
	assert.True(t, o.CleanSession)
	assert.False(t, o.AutoReconnect)
	assert.True(t, o.Order)
	require.Len(t, o.Servers, 1)
	assert.Equal(t, "localhost:1883", o.Servers[0].Host)

	assert.True(t, o.WillEnabled)
	assert.Equal(t, will.Topic, o.WillTopic)
	assert.Equal(t, will.Payload, o.WillPayload)
	assert.Equal(t, byte(1), o.WillQos)
	assert.True(t, o.WillRetained)
}

func TestClientOptions_UniqueClientIDs(t *testing.T) {
	tr, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	a := tr.clientOptions(subscription.ConnectOptions{})
	b := tr.clientOptions(subscription.ConnectOptions{})
	assert.NotEqual(t, a.ClientID, b.ClientID)
	assert.False(t, a.WillEnabled)
}

func TestClientOptions_TLS(t *testing.T) {
	tests := []struct {
		url    string
		secure bool
	}{
		{url: "tcp://broker:1883"},
		{url: "ws://broker:9001"},
		{url: "ssl://broker:8883", secure: true},
		{url: "MQTTS://broker:8883", secure: true},
		{url: "wss://broker:443/mqtt", secure: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BrokerURL = tt.url
			assert.Equal(t, tt.secure, cfg.Secure())

			tr, err := New(cfg, nil)
			require.NoError(t, err)
			o := tr.clientOptions(subscription.ConnectOptions{})
			if tt.secure {
				require.NotNil(t, o.TLSConfig)
				assert.NotNil(t, o.TLSConfig.RootCAs)
			} else {
				assert.Nil(t, tr.tls)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.BrokerURL = "ssl://broker:8883"
	cfg.TLS.CAFiles = []string{"/nonexistent/ca.pem"}
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg.TLS = tlsutil.ClientConfig{CertFile: "client.pem"}
	assert.True(t, errors.IsInvalid(cfg.Validate()))
}

func TestTransport_NotConnected(t *testing.T) {
	tr, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, tr.IsConnected())
	err = tr.Subscribe(ctx, "a/+", 1)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, tr.Publish(ctx, "a/b", nil, 0, false), errors.ErrNotConnected)
	assert.ErrorIs(t, tr.Unsubscribe(ctx, "a/+"), errors.ErrNotConnected)

	tr.Disconnect(0)
}

func TestInstallLogger(t *testing.T) {
	var buf bytes.Buffer
	InstallLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer InstallLogger(slog.Default())

	paho.WARN.Printf("ping %d", 7)
	assert.Contains(t, buf.String(), "ping 7")
	assert.Contains(t, buf.String(), "WARN")
}
