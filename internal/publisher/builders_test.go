package publisher

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stridetastic/meshcore/internal/decode"
	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/kb"
	"github.com/stridetastic/meshcore/model"
)

func baseJob(pt model.PayloadType, opts map[string]any) model.PublisherPeriodicJob {
	return model.PublisherPeriodicJob{
		Name:           "j",
		PayloadType:    pt,
		PayloadOptions: opts,
		FromNode:       "!0000abcd",
		ChannelName:    "LongFast",
		HopLimit:       3,
		HopStart:       3,
	}
}

func TestBuildOutboundPayloadsDecodeBack(t *testing.T) {
	dec := decode.New()
	ctx := context.Background()

	cases := []struct {
		name  string
		job   model.PublisherPeriodicJob
		check func(t *testing.T, p model.Payload)
	}{
		{"text", baseJob(model.PayloadText, map[string]any{OptMessage: "ping"}), func(t *testing.T, p model.Payload) {
			if tp, ok := p.(model.TextPayload); !ok || tp.Text != "ping" {
				t.Fatalf("payload = %#v", p)
			}
		}},
		{"position", baseJob(model.PayloadPosition, map[string]any{OptLatitude: 47.5, OptLongitude: "-122.25", OptAltitude: 120, OptAccuracy: 4.0}), func(t *testing.T, p model.Payload) {
			pos, ok := p.(model.PositionPayload)
			if !ok || pos.Latitude == nil || pos.Longitude == nil {
				t.Fatalf("payload = %#v", p)
			}
			if math.Abs(*pos.Latitude-47.5) > 1e-6 || math.Abs(*pos.Longitude+122.25) > 1e-6 {
				t.Fatalf("coords = %v,%v", *pos.Latitude, *pos.Longitude)
			}
			if pos.Altitude == nil || *pos.Altitude != 120 {
				t.Fatalf("altitude = %v", pos.Altitude)
			}
		}},
		{"nodeinfo", baseJob(model.PayloadNodeInfo, nil), func(t *testing.T, p model.Payload) {
			ni, ok := p.(model.NodeInfoPayload)
			if !ok || ni.UserID != "!0000abcd" || ni.ShortName != "abcd" {
				t.Fatalf("payload = %#v", p)
			}
		}},
		{"traceroute", baseJob(model.PayloadTraceroute, map[string]any{OptTargetNode: "!0000dcba"}), func(t *testing.T, p model.Payload) {
			if _, ok := p.(model.RouteDiscoveryPayload); !ok {
				t.Fatalf("payload = %#v", p)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := BuildOutbound(ctx, tc.job, 0, nil, 7, t0)
			if err != nil {
				t.Fatalf("BuildOutbound: %v", err)
			}
			if out.Packet.HopLimit != 3 || out.Packet.HopStart != 3 || out.Packet.ID != 7 {
				t.Fatalf("packet = %+v", out.Packet)
			}
			tc.check(t, dec.DecodeData(ctx, out.Packet.Decoded))
		})
	}
}

func TestBuildTracerouteTargetsNodeAndWantsResponse(t *testing.T) {
	out, err := BuildOutbound(context.Background(), baseJob(model.PayloadTraceroute, map[string]any{OptTargetNode: float64(0xdcba)}), 0, nil, 1, t0)
	if err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	if out.Packet.To != 0xdcba || !out.Packet.Decoded.WantResponse {
		t.Fatalf("packet = %+v data = %+v", out.Packet, out.Packet.Decoded)
	}
}

func TestBuildNodeInfoUsesDirectory(t *testing.T) {
	st := kb.NewKnowledgeBase()
	ctx := context.Background()
	if err := st.UpdateNodeInfo(ctx, 0xabcd, model.NodeInfoPayload{LongName: "Summit Gateway", ShortName: "SG", HWModel: "RAK4631", Role: "ROUTER"}, t0); err != nil {
		t.Fatalf("UpdateNodeInfo: %v", err)
	}
	out, err := BuildOutbound(ctx, baseJob(model.PayloadNodeInfo, nil), 0, st, 1, t0)
	if err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	ni, _ := decode.New().DecodeData(ctx, out.Packet.Decoded).(model.NodeInfoPayload)
	if ni.LongName != "Summit Gateway" || ni.ShortName != "SG" || ni.HWModel != "RAK4631" || ni.Role != "ROUTER" {
		t.Fatalf("node info = %+v", ni)
	}
}

func TestBuildOutboundAddressing(t *testing.T) {
	job := baseJob(model.PayloadText, map[string]any{OptMessage: "x"})
	job.FromNode = ""
	if _, err := BuildOutbound(context.Background(), job, 0, nil, 1, t0); err == nil || !strings.Contains(err.Error(), "no source node") {
		t.Fatalf("missing source err = %v", err)
	}

	out, err := BuildOutbound(context.Background(), job, 0x1234, nil, 1, t0)
	if err != nil || out.Packet.From != 0x1234 || out.Gateway != 0x1234 {
		t.Fatalf("local source = %+v, %v", out, err)
	}

	job.ToNode = "!00000042"
	job.GatewayNode = "!00000099"
	job.WantAck = true
	out, _ = BuildOutbound(context.Background(), job, 0x1234, nil, 1, t0)
	if out.Packet.To != 0x42 || out.Gateway != 0x99 || !out.Packet.WantAck {
		t.Fatalf("addressing = %+v gateway %s", out.Packet, out.Gateway)
	}
}

func TestBuildOutboundChannelKeys(t *testing.T) {
	cases := []struct {
		key  string
		want []byte
	}{
		{"", meshproto.DefaultChannelKey},
		{"AQ==", meshproto.DefaultChannelKey},
		{"AA==", nil},
	}
	for _, tc := range cases {
		job := baseJob(model.PayloadText, map[string]any{OptMessage: "x"})
		job.ChannelKey = tc.key
		out, err := BuildOutbound(context.Background(), job, 0, nil, 1, t0)
		if err != nil {
			t.Fatalf("key %q: %v", tc.key, err)
		}
		if !bytes.Equal(out.ChannelKey, tc.want) {
			t.Fatalf("key %q expanded to %x", tc.key, out.ChannelKey)
		}
	}

	job := baseJob(model.PayloadText, map[string]any{OptMessage: "x"})
	job.ChannelKey = "not base64!"
	if _, err := BuildOutbound(context.Background(), job, 0, nil, 1, t0); err == nil {
		t.Fatalf("invalid key accepted")
	}
}

func TestBuildOutboundRejectsBadOptions(t *testing.T) {
	cases := []struct {
		name string
		job  model.PublisherPeriodicJob
	}{
		{"text without message", baseJob(model.PayloadText, nil)},
		{"position without longitude", baseJob(model.PayloadPosition, map[string]any{OptLatitude: 1.0})},
		{"position out of range", baseJob(model.PayloadPosition, map[string]any{OptLatitude: 91.0, OptLongitude: 0.0})},
		{"traceroute to broadcast", baseJob(model.PayloadTraceroute, map[string]any{OptTargetNode: "^all"})},
		{"unknown type", baseJob("selfie", nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildOutbound(context.Background(), tc.job, 0, nil, 1, t0); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
