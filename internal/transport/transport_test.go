package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

func TestPublishTopic(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"msh/EU_868", "msh/EU_868/2/e/LongFast/!0000abcd"},
		{"msh/EU_868/", "msh/EU_868/2/e/LongFast/!0000abcd"},
		{"", "msh/US/2/e/LongFast/!0000abcd"},
	}
	for _, tc := range cases {
		if got := PublishTopic(tc.base, "LongFast", 0xabcd); got != tc.want {
			t.Fatalf("PublishTopic(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestBrokerURL(t *testing.T) {
	if got := BrokerURL(model.MQTTConfig{BrokerAddress: "mqtt.meshtastic.org"}); got != "tcp://mqtt.meshtastic.org:1883" {
		t.Fatalf("BrokerURL = %q", got)
	}
	if got := BrokerURL(model.MQTTConfig{BrokerAddress: "b", Port: 8883, TLS: true}); got != "ssl://b:8883" {
		t.Fatalf("BrokerURL tls = %q", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"config", &model.ConfigError{Field: "mqtt.broker_address"}, false},
		{"transport", opError("mqtt", "connect", io.EOF), true},
		{"non retryable transport", &Error{Op: "auth", Err: io.EOF}, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(model.Interface{Name: "mqtt", Kind: model.TransportMQTT, MQTT: &model.MQTTConfig{Port: 1883, Topic: "msh/#"}}, nil)
	var cfg *model.ConfigError
	if !errors.As(err, &cfg) || cfg.Field != "mqtt.broker_address" {
		t.Fatalf("err = %v, want config error on broker address", err)
	}
}

func TestStreamTransportHandshakeReceiveAndSend(t *testing.T) {
	radio, host := net.Pipe()
	defer radio.Close()

	tr := newStream("tcp", "dial", 0, func(context.Context) (io.ReadWriteCloser, error) { return host, nil }, logging.Noop())

	toRadio := make(chan []byte, 8)
	go func() {
		defer close(toRadio)
		fr := meshproto.NewFrameReader(radio)
		for {
			body, err := fr.Next()
			if err != nil {
				return
			}
			toRadio <- body
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := <-toRadio
	if _, err := meshproto.UnmarshalToRadio(first); err != nil {
		t.Fatalf("want_config frame: %v", err)
	}

	info := (&meshproto.FromRadio{HasMyInfo: true, MyNodeNum: 0xabcd}).Marshal()
	pkt := (&meshproto.FromRadio{Packet: &meshproto.MeshPacket{
		From: 1, To: 2, ID: 9,
		Decoded: &meshproto.Data{PortNum: 1, Payload: []byte("hi")},
	}}).Marshal()
	go func() {
		radio.Write(append([]byte("debug console noise\r\n"), mustFrame(info)...))
		radio.Write(mustFrame(pkt))
	}()

	frame, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if frame.Kind != FramePacket || frame.Packet == nil || frame.Packet.ID != 9 {
		t.Fatalf("frame = %+v", frame)
	}
	if tr.LocalNode() != 0xabcd {
		t.Fatalf("local node = %s", tr.LocalNode())
	}

	out := Outbound{Packet: &meshproto.MeshPacket{From: 0xabcd, To: uint32(model.BroadcastNum), ID: 77, Channel: 8,
		Decoded: &meshproto.Data{PortNum: 1, Payload: []byte("pong")}}}
	if err := tr.Send(ctx, out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent, err := meshproto.UnmarshalToRadio(<-toRadio)
	if err != nil || sent.Packet == nil {
		t.Fatalf("sent frame = %+v, %v", sent, err)
	}
	if sent.Packet.ID != 77 || sent.Packet.Channel != 0 || string(sent.Packet.Decoded.Payload) != "pong" {
		t.Fatalf("sent packet = %+v", sent.Packet)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tr.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Recv after close = %v, want ErrClosed", err)
	}
	if err := tr.Send(ctx, out); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestStreamTransportReportsReadFailure(t *testing.T) {
	radio, host := net.Pipe()
	tr := newStream("serial", "open serial", 0x42, func(context.Context) (io.ReadWriteCloser, error) { return host, nil }, logging.Noop())
	go io.Copy(io.Discard, radio)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.LocalNode() != 0x42 {
		t.Fatalf("pinned node = %s", tr.LocalNode())
	}

	radio.Close()
	_, err := tr.Recv(ctx)
	var te *Error
	if !errors.As(err, &te) || !te.Retryable {
		t.Fatalf("Recv err = %v, want retryable transport error", err)
	}
	tr.Close()
}

func TestFakeFactoryQueuesConnectErrors(t *testing.T) {
	ff := NewFakeFactory(0x10)
	ff.FailNextConnects(io.EOF)
	iface := model.Interface{Name: "tcp", Kind: model.TransportTCP, TCP: &model.TCPConfig{Hostname: "h", Port: 4403}}

	first, err := ff.Build(iface, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := first.Connect(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("first connect = %v", err)
	}
	second, _ := ff.Build(iface, nil)
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("second connect = %v", err)
	}
	if len(ff.Built()) != 2 || second.LocalNode() != 0x10 {
		t.Fatalf("built = %d local = %s", len(ff.Built()), second.LocalNode())
	}
}
