package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stridetastic/meshcore/internal/config"
	"github.com/stridetastic/meshcore/internal/control"
	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
)

const testConfig = `
database:
  path: memory
scheduler:
  interval: 50ms
interfaces:
  - name: broker
    type: mqtt
    mqtt:
      broker_address: broker.local
jobs:
  - name: beacon
    payload_type: text
    from_node: "!0000abcd"
    period_seconds: 1
    options:
      message: hello mesh
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshcored.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	g := globalFlags{
		configPath:  writeConfig(t, testConfig),
		dbPath:      "/tmp/override.db",
		controlAddr: "127.0.0.1:6000",
	}
	cfg, err := loadConfig(&g)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" || cfg.Control.Addr != "127.0.0.1:6000" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Metrics.Addr != config.DefaultMetricsAddr || len(cfg.Interfaces) != 1 {
		t.Fatalf("file values lost: %+v", cfg)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t, testConfig), "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "1 interfaces, 1 jobs") {
		t.Fatalf("output = %q", out)
	}

	bad := writeConfig(t, "interfaces:\n  - name: x\n    type: tcp\n")
	if _, err := execute(t, "--config", bad, "config", "validate"); err == nil || !strings.Contains(err.Error(), "tcp.hostname") {
		t.Fatalf("invalid config err = %v", err)
	}
}

func TestDecodeCommandPrintsTypedPayload(t *testing.T) {
	pkt := &meshproto.MeshPacket{
		From: 0xabcd, To: 0xffffffff, ID: 99, HopLimit: 3, HopStart: 3,
		Decoded: &meshproto.Data{PortNum: int32(model.PortTextMessage), Payload: []byte("hi there")},
	}
	pkt.Channel = meshproto.ChannelHash("LongFast", meshproto.DefaultChannelKey)
	if err := meshproto.Encrypt(pkt, meshproto.DefaultChannelKey); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env := &meshproto.ServiceEnvelope{Packet: pkt, ChannelID: "LongFast", GatewayID: "!00001111"}

	out, err := execute(t, "decode", hex.EncodeToString(env.Marshal()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got struct {
		Kind string `json:"kind"`
		Data struct {
			Payload struct {
				Text string
			}
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Kind != string(model.KindText) || got.Data.Payload.Text != "hi there" {
		t.Fatalf("decoded = %+v", got)
	}

	if _, err := execute(t, "decode", "not-hex-or-base64!"); err == nil {
		t.Fatalf("expected input error")
	}
}

func TestServeWiresIngestControlAndPublisher(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg.Control.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"

	ff := transport.NewFakeFactory(0xabcd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logging.Noop(), ff.Build)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	st := a.store
	controlAddr := a.controlLis.Addr().String()
	metricsURL := "http://" + a.metricsLis.Addr().String() + "/metrics"

	reload := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, reload) }()

	fake, ok := ff.WaitConnected(1, 2*time.Second)
	if !ok {
		t.Fatalf("interface never connected")
	}

	conn, err := grpc.NewClient(controlAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool {
		h, err := control.CheckInterfaces(ctx, conn, []string{"broker"})
		return err == nil && h[0].Status == "SERVING"
	})

	// The beacon job publishes through the only running interface, at the
	// latest one period after a tick that found no gateway yet.
	waitFor(t, func() bool { return len(fake.Sent()) > 0 })
	if sent := fake.Sent()[0]; string(sent.Packet.Decoded.Payload) != "hello mesh" {
		t.Fatalf("published %+v", sent)
	}

	// Inbound frames reach the store through the ingest pipeline.
	pkt := &meshproto.MeshPacket{
		From: 0x1234, To: 0xabcd, ID: 5, HopLimit: 3, HopStart: 3,
		Decoded: &meshproto.Data{PortNum: int32(model.PortTextMessage), Payload: []byte("pong")},
	}
	if !fake.Inject(transport.Frame{Kind: transport.FramePacket, Packet: pkt, ReceivedAt: time.Now()}) {
		t.Fatalf("inject failed")
	}
	waitFor(t, func() bool {
		links, _ := st.ListNodeLinks(ctx)
		return len(links) > 0
	})

	resp, err := http.Get(metricsURL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"meshcore_frames_received_total", "meshcore_link_updates_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}

	// SIGHUP-style reload restarts the interface on a new transport.
	reload <- struct{}{}
	if _, ok := ff.WaitConnected(2, 2*time.Second); !ok {
		t.Fatalf("reload did not reconnect")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestForwardReloadsNeverBlocksAfterReaderStops(t *testing.T) {
	sig := make(chan os.Signal, 3)
	out := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		forwardReloads(ctx, sig, out)
		close(done)
	}()

	sig <- syscall.SIGHUP
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatalf("SIGHUP not forwarded")
	}

	// Nobody reads out any more; further signals must not wedge the forwarder.
	for i := 0; i < 3; i++ {
		sig <- syscall.SIGHUP
	}
	waitFor(t, func() bool { return len(sig) == 0 })
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("forwarder did not exit after cancel")
	}
	if len(out) > 1 {
		t.Fatalf("pending reloads = %d", len(out))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
