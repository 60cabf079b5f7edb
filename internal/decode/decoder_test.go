package decode

import (
	"context"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

type failureCounter struct {
	calls map[string]int
}

func (f *failureCounter) IncDecodeFailure(port, reason string) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[port+"/"+reason]++
}

func TestDecodeKnownPortsYieldMatchingKind(t *testing.T) {
	d := New()
	ctx := context.Background()

	position := (&meshproto.Position{LatitudeI: 377749000, LongitudeI: -1224194000, Altitude: 12, LocationSource: 2}).Marshal()
	user := (&meshproto.User{ID: "!0000abcd", LongName: "Base Camp", ShortName: "BC", HWModel: 9, Role: 2, MacAddr: []byte{1, 2, 3, 4, 0xab, 0xcd}}).Marshal()
	route := (&meshproto.RouteDiscovery{Route: []uint32{0x11, 0x22}, SNRTowards: []int32{10, -6}}).Marshal()

	tests := []struct {
		name string
		port model.PortNum
		raw  []byte
		want model.PayloadKind
	}{
		{"text", model.PortTextMessage, []byte("hello"), model.KindText},
		{"position", model.PortPosition, position, model.KindPosition},
		{"nodeinfo", model.PortNodeInfo, user, model.KindNodeInfo},
		{"routing", model.PortRouting, routingBytes(1), model.KindRouting},
		{"telemetry", model.PortTelemetry, telemetryBytes(), model.KindTelemetry},
		{"traceroute", model.PortTraceroute, route, model.KindRouteDiscovery},
		{"neighborinfo", model.PortNeighborInfo, neighborInfoBytes(), model.KindNeighborInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := d.Decode(ctx, tc.port, tc.raw)
			if p == nil || p.Kind() != tc.want {
				t.Fatalf("Decode(%s) = %#v, want kind %s", tc.port, p, tc.want)
			}
		})
	}
}

func TestDecodePositionFields(t *testing.T) {
	raw := (&meshproto.Position{LatitudeI: 377749000, LongitudeI: -1224194000, Altitude: -3, GPSAccuracy: 5, LocationSource: 1}).Marshal()
	p, ok := New().Decode(context.Background(), model.PortPosition, raw).(model.PositionPayload)
	if !ok {
		t.Fatalf("expected PositionPayload")
	}
	if p.Latitude == nil || math.Abs(*p.Latitude-37.7749) > 1e-6 {
		t.Fatalf("latitude = %v", p.Latitude)
	}
	if p.Longitude == nil || math.Abs(*p.Longitude+122.4194) > 1e-6 {
		t.Fatalf("longitude = %v", p.Longitude)
	}
	if p.Altitude == nil || *p.Altitude != -3 {
		t.Fatalf("altitude = %v", p.Altitude)
	}
	if p.Accuracy == nil || *p.Accuracy != 5 {
		t.Fatalf("accuracy = %v", p.Accuracy)
	}
	if p.LocationSource != model.LocationManual {
		t.Fatalf("location source = %s", p.LocationSource)
	}
	if p.SeqNumber != nil || p.Time != nil {
		t.Fatalf("absent fields should stay nil: %+v", p)
	}
}

func TestDecodeEmptyPositionIsAllAbsent(t *testing.T) {
	p, ok := New().Decode(context.Background(), model.PortPosition, nil).(model.PositionPayload)
	if !ok {
		t.Fatalf("expected PositionPayload for empty message")
	}
	if p.Latitude != nil || p.Longitude != nil || p.Altitude != nil {
		t.Fatalf("expected absent coordinates, got %+v", p)
	}
}

func TestDecodeTelemetryFields(t *testing.T) {
	tp, ok := New().Decode(context.Background(), model.PortTelemetry, telemetryBytes()).(model.TelemetryPayload)
	if !ok {
		t.Fatalf("expected TelemetryPayload")
	}
	if tp.BatteryLevel == nil || *tp.BatteryLevel != 87 {
		t.Fatalf("battery = %v", tp.BatteryLevel)
	}
	if tp.Voltage == nil || *tp.Voltage != 4.25 {
		t.Fatalf("voltage = %v", tp.Voltage)
	}
	if tp.UptimeSeconds == nil || *tp.UptimeSeconds != 3600 {
		t.Fatalf("uptime = %v", tp.UptimeSeconds)
	}
	if tp.Temperature == nil || *tp.Temperature != 21.5 {
		t.Fatalf("temperature = %v", tp.Temperature)
	}
	if tp.RelativeHumidity == nil || *tp.RelativeHumidity != 40 {
		t.Fatalf("humidity = %v", tp.RelativeHumidity)
	}
}

func TestDecodeNodeInfoFields(t *testing.T) {
	raw := (&meshproto.User{ID: "!0000abcd", LongName: "Base Camp", ShortName: "BC", HWModel: 9, Role: 2, MacAddr: []byte{1, 2, 3, 4, 0xab, 0xcd}}).Marshal()
	n, ok := New().Decode(context.Background(), model.PortNodeInfo, raw).(model.NodeInfoPayload)
	if !ok {
		t.Fatalf("expected NodeInfoPayload")
	}
	if n.UserID != "!0000abcd" || n.LongName != "Base Camp" || n.ShortName != "BC" {
		t.Fatalf("identity = %+v", n)
	}
	if n.HWModel != "RAK4631" || n.Role != "ROUTER" {
		t.Fatalf("hw/role = %s/%s", n.HWModel, n.Role)
	}
	if n.MacAddress != "01:02:03:04:ab:cd" {
		t.Fatalf("mac = %s", n.MacAddress)
	}
}

func TestDecodeNeighborInfoChildren(t *testing.T) {
	n, ok := New().Decode(context.Background(), model.PortNeighborInfo, neighborInfoBytes()).(model.NeighborInfoPayload)
	if !ok {
		t.Fatalf("expected NeighborInfoPayload")
	}
	if n.ReportingNode != 0x0000abcd || n.BroadcastIntervalSecs != 900 {
		t.Fatalf("header = %+v", n)
	}
	if len(n.Neighbors) != 2 {
		t.Fatalf("neighbors = %d, want 2", len(n.Neighbors))
	}
	first := n.Neighbors[0]
	if first.Node != 0x0000dcba || first.SNR != 6.5 || first.LastRxTimeRaw != 1700000000 || first.LastRxTime == nil {
		t.Fatalf("first neighbor = %+v", first)
	}
}

func TestDecodeRouteDiscoveryScalesSNR(t *testing.T) {
	raw := (&meshproto.RouteDiscovery{Route: []uint32{0x11, 0x22}, SNRTowards: []int32{3, -2}}).Marshal()
	rd, ok := New().Decode(context.Background(), model.PortTraceroute, raw).(model.RouteDiscoveryPayload)
	if !ok {
		t.Fatalf("expected RouteDiscoveryPayload")
	}
	if rd.RouteTowards.Hops != 2 || rd.RouteTowards.Key() != "!00000011,!00000022" {
		t.Fatalf("route = %+v", rd.RouteTowards)
	}
	if len(rd.SNRTowards) != 2 || rd.SNRTowards[0] != 0.75 || rd.SNRTowards[1] != -0.5 {
		t.Fatalf("snr = %v", rd.SNRTowards)
	}
	if rd.RouteBack != nil {
		t.Fatalf("route back should be absent")
	}
}

func TestDecodeDataFillsRoutingEndpoints(t *testing.T) {
	data := &meshproto.Data{PortNum: int32(model.PortRouting), Payload: routingBytes(1), Source: 0xa, Dest: 0xb}
	r, ok := New().DecodeData(context.Background(), data).(model.RoutingPayload)
	if !ok {
		t.Fatalf("expected RoutingPayload")
	}
	if r.ErrorReason != model.RoutingNoRoute || r.ErrorReason.String() != "NO_ROUTE" {
		t.Fatalf("reason = %s", r.ErrorReason)
	}
	if r.Source != 0xa || r.Dest != 0xb {
		t.Fatalf("endpoints = %s -> %s", r.Source, r.Dest)
	}
}

func TestDecodeMalformedYieldsUnrecognized(t *testing.T) {
	metrics := &failureCounter{}
	d := New(WithMetrics(metrics))
	ctx := context.Background()

	tests := []struct {
		name string
		port model.PortNum
		raw  []byte
	}{
		{"truncated position", model.PortPosition, []byte{0x0d, 0x01}},
		{"bad utf8 text", model.PortTextMessage, []byte{0xff, 0xfe}},
		{"empty text", model.PortTextMessage, nil},
		{"latitude wire type", model.PortPosition, protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 5)},
		{"neighbor info without node", model.PortNeighborInfo, []byte{0x18, 0x01}},
		{"garbage telemetry", model.PortTelemetry, []byte{0x12, 0x10, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := d.Decode(ctx, tc.port, tc.raw)
			u, ok := p.(model.Unrecognized)
			if !ok {
				t.Fatalf("Decode = %#v, want Unrecognized", p)
			}
			if u.Reason != model.ReasonMalformed || u.Port != tc.port {
				t.Fatalf("unrecognized = %+v", u)
			}
			if model.Recognized(p) {
				t.Fatalf("Recognized(%v) = true", p)
			}
		})
	}
	if metrics.calls["POSITION_APP/malformed"] != 2 {
		t.Fatalf("position failures = %d, want 2", metrics.calls["POSITION_APP/malformed"])
	}
}

func TestDecodeUnknownPort(t *testing.T) {
	p := New().Decode(context.Background(), model.PortRangeTest, []byte("seq 1"))
	u, ok := p.(model.Unrecognized)
	if !ok || u.Reason != model.ReasonUnsupportedPort {
		t.Fatalf("Decode(unknown) = %#v", p)
	}
}

func TestDecodeRecoversFromPanic(t *testing.T) {
	d := New()
	d.builders[model.PortTextMessage] = func([]byte) (model.Payload, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	}
	p := d.Decode(context.Background(), model.PortTextMessage, []byte("x"))
	if u, ok := p.(model.Unrecognized); !ok || u.Reason != model.ReasonMalformed {
		t.Fatalf("Decode after panic = %#v", p)
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	d := New()
	inputs := [][]byte{
		{0xff}, {0x0a, 0xff, 0xff, 0xff, 0xff, 0x0f}, {0x22, 0x05, 0x08}, {0x07}, {0x0b, 0x0c},
	}
	for port := range d.builders {
		for _, raw := range inputs {
			if p := d.Decode(context.Background(), port, raw); p == nil {
				t.Fatalf("Decode(%s, %x) returned nil", port, raw)
			}
		}
	}
}

func routingBytes(reason int32) []byte {
	b := protowire.AppendTag(nil, meshproto.RoutingErrorReason, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(reason))
}

func telemetryBytes() []byte {
	var device []byte
	device = protowire.AppendTag(device, meshproto.DeviceBatteryLevel, protowire.VarintType)
	device = protowire.AppendVarint(device, 87)
	device = protowire.AppendTag(device, meshproto.DeviceVoltage, protowire.Fixed32Type)
	device = protowire.AppendFixed32(device, math.Float32bits(4.25))
	device = protowire.AppendTag(device, meshproto.DeviceUptimeSeconds, protowire.VarintType)
	device = protowire.AppendVarint(device, 3600)

	var env []byte
	env = protowire.AppendTag(env, meshproto.EnvironmentTemperature, protowire.Fixed32Type)
	env = protowire.AppendFixed32(env, math.Float32bits(21.5))
	env = protowire.AppendTag(env, meshproto.EnvironmentRelativeHumidity, protowire.Fixed32Type)
	env = protowire.AppendFixed32(env, math.Float32bits(40))

	var b []byte
	b = protowire.AppendTag(b, meshproto.TelemetryTime, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1700000000)
	b = protowire.AppendTag(b, meshproto.TelemetryDevice, protowire.BytesType)
	b = protowire.AppendBytes(b, device)
	b = protowire.AppendTag(b, meshproto.TelemetryEnvironment, protowire.BytesType)
	b = protowire.AppendBytes(b, env)
	return b
}

func neighborInfoBytes() []byte {
	neighbor := func(node uint32, snr float32, rx uint32) []byte {
		var n []byte
		n = protowire.AppendTag(n, meshproto.NeighborNodeID, protowire.VarintType)
		n = protowire.AppendVarint(n, uint64(node))
		n = protowire.AppendTag(n, meshproto.NeighborSNR, protowire.Fixed32Type)
		n = protowire.AppendFixed32(n, math.Float32bits(snr))
		n = protowire.AppendTag(n, meshproto.NeighborLastRxTime, protowire.Fixed32Type)
		n = protowire.AppendFixed32(n, rx)
		return n
	}

	var b []byte
	b = protowire.AppendTag(b, meshproto.NeighborInfoNodeID, protowire.VarintType)
	b = protowire.AppendVarint(b, 0x0000abcd)
	b = protowire.AppendTag(b, meshproto.NeighborInfoBroadcastInterval, protowire.VarintType)
	b = protowire.AppendVarint(b, 900)
	b = protowire.AppendTag(b, meshproto.NeighborInfoNeighbors, protowire.BytesType)
	b = protowire.AppendBytes(b, neighbor(0x0000dcba, 6.5, 1700000000))
	b = protowire.AppendTag(b, meshproto.NeighborInfoNeighbors, protowire.BytesType)
	b = protowire.AppendBytes(b, neighbor(0x00001234, -3, 0))
	return b
}
