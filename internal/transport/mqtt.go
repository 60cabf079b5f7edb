package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttOpTimeout      = 5 * time.Second
	mqttDisconnectMS   = 250
)

type mqttTransport struct {
	name string
	cfg  model.MQTTConfig
	log  logging.Logger

	client mqtt.Client
	pump   *pump
}

func newMQTT(name string, cfg model.MQTTConfig, log logging.Logger) *mqttTransport {
	return &mqttTransport{name: name, cfg: cfg, log: log, pump: newPump()}
}

// BrokerURL renders the paho broker URL for cfg.
func BrokerURL(cfg model.MQTTConfig) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	port := cfg.Port
	if port == 0 {
		port = model.DefaultMQTTPort
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerAddress, port)
}

// PublishTopic is where a packet for channel relayed by gateway is published:
// <base>/2/e/<channel>/<gateway id>.
func PublishTopic(baseTopic, channel string, gateway model.NodeNum) string {
	base := strings.TrimRight(baseTopic, "/")
	if base == "" {
		base = model.DefaultMQTTBaseTopic
	}
	return fmt.Sprintf("%s/2/e/%s/%s", base, channel, gateway.ID())
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(t.cfg)).
		SetClientID("meshcore-" + uuid.NewString()[:8]).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.pump.fail(opError(t.name, "connection lost", err))
		})
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.TLS {
		tlsCfg, err := tlsConfig(t.cfg.CACerts)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	t.client = mqtt.NewClient(opts)
	if err := waitToken(ctx, t.client.Connect(), mqttConnectTimeout); err != nil {
		return opError(t.name, "connect", err)
	}

	token := t.client.Subscribe(t.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if strings.Contains(msg.Topic(), "/json/") {
			return
		}
		t.pump.deliver(Frame{
			Kind:       FrameEnvelope,
			Payload:    append([]byte(nil), msg.Payload()...),
			Topic:      msg.Topic(),
			ReceivedAt: time.Now().UTC(),
		})
	})
	if err := waitToken(ctx, token, mqttOpTimeout); err != nil {
		t.client.Disconnect(0)
		return opError(t.name, "subscribe", err)
	}
	t.log.Info(ctx, "mqtt connected",
		logging.String("broker", BrokerURL(t.cfg)),
		logging.String("topic", t.cfg.Topic),
	)
	return nil
}

func (t *mqttTransport) Recv(ctx context.Context) (Frame, error) {
	return t.pump.recv(ctx)
}

func (t *mqttTransport) Send(ctx context.Context, out Outbound) error {
	if t.pump.closed() || t.client == nil {
		return ErrClosed
	}
	if out.Packet == nil || out.Packet.Decoded == nil {
		return errors.New("outbound packet has no decoded data")
	}
	if out.Gateway == 0 {
		return errors.New("outbound packet has no gateway node")
	}

	pkt := *out.Packet
	pkt.Channel = meshproto.ChannelHash(out.ChannelName, out.ChannelKey)
	if !pkt.PKIEncrypted {
		if err := meshproto.Encrypt(&pkt, out.ChannelKey); err != nil {
			return fmt.Errorf("encrypt packet: %w", err)
		}
	}
	env := meshproto.ServiceEnvelope{
		Packet:    &pkt,
		ChannelID: out.ChannelName,
		GatewayID: out.Gateway.ID(),
	}
	topic := PublishTopic(t.cfg.BaseTopic, out.ChannelName, out.Gateway)
	if err := waitToken(ctx, t.client.Publish(topic, 0, false, env.Marshal()), mqttOpTimeout); err != nil {
		return opError(t.name, "publish", err)
	}
	return nil
}

func (t *mqttTransport) LocalNode() model.NodeNum { return 0 }

func (t *mqttTransport) Close() error {
	t.pump.close()
	if t.client != nil && t.client.IsConnectionOpen() {
		t.client.Disconnect(mqttDisconnectMS)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tlsConfig(caPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPath == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, &model.ConfigError{Field: "mqtt.ca_certs", Value: caPath, Message: err.Error()}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, &model.ConfigError{Field: "mqtt.ca_certs", Value: caPath, Message: "no certificates found"}
	}
	cfg.RootCAs = pool
	return cfg, nil
}
