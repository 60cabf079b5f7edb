package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/kb"
	"github.com/stridetastic/meshcore/model"
)

const sampleYAML = `
database:
  path: /var/lib/meshcore/mesh.db
log:
  level: debug
  format: json
scheduler:
  interval: 2s
reconnect:
  initial_interval: 500ms
  max_interval: 30s
  multiplier: 1.5
ingest:
  dedupe_window: 5m
  channels:
    - name: Ops
      key: AQ==
interfaces:
  - name: broker
    type: mqtt
    mqtt:
      broker_address: mqtt.meshtastic.org
      username: meshdev
      password: large4cats
  - name: bench
    type: tcp
    enabled: false
    tcp:
      hostname: 192.168.1.40
jobs:
  - name: beacon
    payload_type: text
    interface: broker
    from_node: "!0000abcd"
    period_seconds: 600
    options:
      message: hello mesh
  - name: where
    payload_type: position
    from_node: "!0000abcd"
    options:
      latitude: 47.6
      longitude: -122.3
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Database.Path != "/var/lib/meshcore/mesh.db" || cfg.Log.Format != "json" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.Interval != 2*time.Second || cfg.Ingest.DedupeWindow != 5*time.Minute {
		t.Fatalf("durations = %v / %v", cfg.Scheduler.Interval, cfg.Ingest.DedupeWindow)
	}
	if cfg.Reconnect.InitialInterval != 500*time.Millisecond || cfg.Reconnect.Multiplier != 1.5 {
		t.Fatalf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Metrics.Addr != DefaultMetricsAddr || cfg.Control.Addr != DefaultControlAddr {
		t.Fatalf("addresses = %q / %q", cfg.Metrics.Addr, cfg.Control.Addr)
	}

	broker, err := cfg.Interfaces[0].Interface()
	if err != nil {
		t.Fatalf("Interface: %v", err)
	}
	if broker.Kind != model.TransportMQTT || !broker.Enabled || broker.MQTT.Port != model.DefaultMQTTPort || broker.MQTT.Topic != model.DefaultMQTTTopic {
		t.Fatalf("broker = %+v mqtt = %+v", broker, broker.MQTT)
	}
	if cfg.Interfaces[0].MQTT.Port != 0 {
		t.Fatalf("defaults leaked into the parsed config")
	}
	bench, _ := cfg.Interfaces[1].Interface()
	if bench.Enabled || bench.TCP.Port != model.DefaultTCPPort {
		t.Fatalf("bench = %+v tcp = %+v", bench, bench.TCP)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.Path != DefaultDatabasePath || cfg.Scheduler.Interval != DefaultSchedulerTick {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("databse:\n  path: x\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestDisabledSurfacesKeepEmptyAddresses(t *testing.T) {
	cfg, err := Parse([]byte("metrics:\n  disabled: true\ncontrol:\n  disabled: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Metrics.Addr != "" || cfg.Control.Addr != "" {
		t.Fatalf("addresses = %q / %q", cfg.Metrics.Addr, cfg.Control.Addr)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Ingest.Channels = []ChannelConfig{{Name: "bad", Key: "%%%"}}
	cfg.Interfaces = []InterfaceConfig{
		{Name: "a", Type: "mqtt"},
		{Name: "a", Type: "tcp", TCP: &model.TCPConfig{Hostname: "h"}},
		{Name: "c", Type: "carrier-pigeon"},
		{Type: "tcp", TCP: &model.TCPConfig{Hostname: "h"}},
	}
	cfg.Jobs = []JobConfig{
		{Name: "j", PayloadType: "text"},
		{Name: "j", PayloadType: "text"},
		{Name: "k", PayloadType: "selfie"},
		{Name: "h", PayloadType: "text", HopLimit: 5, HopStart: 2},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"log.format",
		"ingest.channels[0].key",
		"mqtt.broker_address",
		`duplicate name "a"`,
		"interfaces[2]",
		"interfaces[3]: name is required",
		`jobs[1]: duplicate name "j"`,
		"jobs[2]",
		"hop_start",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestSaveRoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "meshcored.yaml")
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Interfaces) != 2 || len(loaded.Jobs) != 2 || loaded.Reconnect.MaxInterval != 30*time.Second {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestChannelKeysExpandShorthand(t *testing.T) {
	cfg, _ := Parse([]byte(sampleYAML))
	chs, err := cfg.Ingest.ChannelKeys()
	if err != nil {
		t.Fatalf("ChannelKeys: %v", err)
	}
	if len(chs) != 1 || chs[0].Name != "Ops" || !bytes.Equal(chs[0].Key, meshproto.DefaultChannelKey) {
		t.Fatalf("channels = %+v", chs)
	}
}

func TestSeedCreatesMissingEntriesOnce(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st := kb.NewKnowledgeBase()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	report, err := Seed(ctx, st, cfg, now, nil)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if report.Interfaces != 2 || report.Jobs != 2 {
		t.Fatalf("report = %+v", report)
	}

	broker, err := st.GetInterfaceByName(ctx, "broker")
	if err != nil {
		t.Fatalf("GetInterfaceByName: %v", err)
	}
	beacon, err := st.GetJobByName(ctx, "beacon")
	if err != nil {
		t.Fatalf("GetJobByName: %v", err)
	}
	if beacon.InterfaceID == nil || *beacon.InterfaceID != broker.ID {
		t.Fatalf("beacon bound to %v, want %d", beacon.InterfaceID, broker.ID)
	}
	if beacon.PeriodSeconds != 600 || !beacon.NextRunAt.Equal(now) || beacon.ChannelName != "LongFast" || beacon.HopLimit != model.DefaultJobHopLimit {
		t.Fatalf("beacon = %+v", beacon)
	}
	where, _ := st.GetJobByName(ctx, "where")
	if where.InterfaceID != nil || where.PeriodSeconds != model.DefaultJobPeriodSeconds {
		t.Fatalf("where = %+v", where)
	}

	report, err = Seed(ctx, st, cfg, now.Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if report != (SeedReport{}) {
		t.Fatalf("second seed created %+v", report)
	}
}

func TestSeedFailsOnUnknownJobInterface(t *testing.T) {
	cfg := Default()
	cfg.Jobs = []JobConfig{{Name: "orphan", PayloadType: "text", Interface: "nowhere"}}
	if _, err := Seed(context.Background(), kb.NewKnowledgeBase(), cfg, time.Now(), nil); err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("err = %v", err)
	}
}

func TestSampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "meshcored.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Interfaces) != 3 || len(cfg.Jobs) != 2 {
		t.Fatalf("sample has %d interfaces, %d jobs", len(cfg.Interfaces), len(cfg.Jobs))
	}
	if cfg.Interfaces[1].Enabled == nil || *cfg.Interfaces[1].Enabled {
		t.Fatalf("serial sample interface should be disabled")
	}
}
