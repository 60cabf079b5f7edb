package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInterfacesDefaultNamesAndStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateInterface(ctx, model.Interface{Kind: model.TransportMQTT, Enabled: true, MQTT: &model.MQTTConfig{BrokerAddress: "mqtt.local"}})
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}
	second, err := s.CreateInterface(ctx, model.Interface{Kind: model.TransportMQTT, MQTT: &model.MQTTConfig{BrokerAddress: "mqtt.local"}})
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}
	if first.Name != "mqtt" || second.Name != "mqtt-2" {
		t.Fatalf("names = %q, %q", first.Name, second.Name)
	}
	if _, err := s.CreateInterface(ctx, model.Interface{Name: "mqtt", Kind: model.TransportMQTT}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate err = %v", err)
	}

	connected := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	if err := s.UpdateInterfaceStatus(ctx, first.ID, model.RuntimeState{Status: model.StatusRunning, LastConnected: &connected}); err != nil {
		t.Fatalf("UpdateInterfaceStatus: %v", err)
	}
	if err := s.UpdateInterfaceStatus(ctx, first.ID, model.RuntimeState{Status: model.StatusError, LastError: "broker gone"}); err != nil {
		t.Fatalf("UpdateInterfaceStatus: %v", err)
	}

	got, err := s.GetInterfaceByName(ctx, "mqtt")
	if err != nil {
		t.Fatalf("GetInterfaceByName: %v", err)
	}
	if got.Status != model.StatusError || got.LastError != "broker gone" {
		t.Fatalf("status = %s %q", got.Status, got.LastError)
	}
	if got.LastConnected == nil || !got.LastConnected.Equal(connected) {
		t.Fatalf("last connected = %v", got.LastConnected)
	}
	if got.MQTT == nil || got.MQTT.BrokerAddress != "mqtt.local" || got.MQTT.Port != model.DefaultMQTTPort {
		t.Fatalf("mqtt config = %+v", got.MQTT)
	}

	if err := s.UpdateInterfaceStatus(ctx, 999, model.RuntimeState{Status: model.StatusStopped}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing interface err = %v", err)
	}
}

func TestNodesTouchAndInfo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	if err := s.TouchNode(ctx, 0xabcd, t0); err != nil {
		t.Fatalf("TouchNode: %v", err)
	}
	if err := s.UpdateNodeInfo(ctx, 0xabcd, model.NodeInfoPayload{LongName: "Base", ShortName: "BS", HWModel: "RAK4631", Role: "ROUTER"}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateNodeInfo: %v", err)
	}
	if err := s.TouchNode(ctx, 0xabcd, t0.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchNode: %v", err)
	}

	n, err := s.GetNode(ctx, 0xabcd)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.LongName != "Base" || n.Role != "ROUTER" || !n.FirstSeen.Equal(t0) || !n.LastHeard.Equal(t0.Add(time.Minute)) {
		t.Fatalf("node = %+v", n)
	}
}

func TestUpsertNodeLinkConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertNodeLink(ctx, 1, 2, func(l *model.NodeLink) {
				if l.FirstSeen.IsZero() {
					l.FirstSeen = ts
				}
				l.LastActivity = ts
				if i%2 == 0 {
					l.AToBPackets++
				} else {
					l.BToAPackets++
				}
				l.AddChannel("LongFast")
				l.Recount()
			})
			if err != nil {
				t.Errorf("UpsertNodeLink: %v", err)
			}
		}(i)
	}
	wg.Wait()

	l, err := s.GetNodeLink(ctx, 2, 1)
	if err != nil {
		t.Fatalf("GetNodeLink: %v", err)
	}
	if l.TotalPackets != writers || l.AToBPackets != writers/2 || !l.Bidirectional {
		t.Fatalf("link = %+v", l)
	}
	if len(l.Channels) != 1 || l.Channels[0] != "LongFast" {
		t.Fatalf("channels = %v", l.Channels)
	}
	if _, err := s.UpsertNodeLink(ctx, 2, 1, func(*model.NodeLink) {}); err == nil {
		t.Fatalf("expected canonical order error")
	}
}

func TestSavePacketRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	iface, _ := s.CreateInterface(ctx, model.Interface{Kind: model.TransportTCP, TCP: &model.TCPConfig{Hostname: "radio"}})
	route := model.Route{Nodes: []model.NodeNum{0x10, 0x20}, Hops: 2}
	for i := 0; i < 2; i++ {
		pkt := &model.Packet{InterfaceID: iface.ID, From: 0x10, To: 0x20, PacketID: uint32(100 + i), Channel: "LongFast", HopStart: 3, HopLimit: 3, ReceivedAt: now}
		data := &model.PacketData{
			Port:       model.PortTraceroute,
			RawPayload: []byte{0x0d, 0x20},
			Payload:    model.RouteDiscoveryPayload{RouteTowards: route, SNRTowards: []float64{6.25}},
		}
		if err := s.SavePacket(ctx, pkt, data); err != nil {
			t.Fatalf("SavePacket: %v", err)
		}
		if pkt.ID == 0 || data.PacketID != pkt.ID {
			t.Fatalf("ids = %d/%d", pkt.ID, data.PacketID)
		}
	}
	if n, _ := s.RouteCount(ctx); n != 1 {
		t.Fatalf("routes = %d, want 1", n)
	}

	pkts, err := s.ListPackets(ctx, 10)
	if err != nil || len(pkts) != 2 {
		t.Fatalf("ListPackets = %d, %v", len(pkts), err)
	}
	if pkts[0].PacketID != 101 || pkts[0].InterfaceID != iface.ID || !pkts[0].ReceivedAt.Equal(now) {
		t.Fatalf("newest packet = %+v", pkts[0])
	}

	data, err := s.GetPacketData(ctx, pkts[0].ID)
	if err != nil {
		t.Fatalf("GetPacketData: %v", err)
	}
	rd, ok := data.Payload.(model.RouteDiscoveryPayload)
	if !ok {
		t.Fatalf("payload = %T", data.Payload)
	}
	if rd.RouteTowards.ID == 0 || rd.RouteTowards.Hops != 2 || len(rd.SNRTowards) != 1 || rd.SNRTowards[0] != 6.25 {
		t.Fatalf("route discovery = %+v", rd)
	}
}

func TestSavePacketUnrecognized(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pkt := &model.Packet{From: 1, To: model.BroadcastNum, ReceivedAt: time.Now()}
	data := &model.PacketData{Port: model.PortPaxcounter, Payload: model.Unrecognized{Port: model.PortPaxcounter, Reason: model.ReasonUnsupportedPort}}
	if err := s.SavePacket(ctx, pkt, data); err != nil {
		t.Fatalf("SavePacket: %v", err)
	}
	got, err := s.GetPacketData(ctx, pkt.ID)
	if err != nil {
		t.Fatalf("GetPacketData: %v", err)
	}
	if got.Kind() != model.KindUnrecognized || model.Recognized(got.Payload) {
		t.Fatalf("payload = %+v", got.Payload)
	}
}

func TestJobsClaimAndResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	job, err := s.CreateJob(ctx, model.PublisherPeriodicJob{
		Name:           "hello",
		Enabled:        true,
		PayloadType:    model.PayloadText,
		ChannelName:    "LongFast",
		PayloadOptions: map[string]any{"message": "hi"},
		NextRunAt:      now,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.PeriodSeconds != 300 || job.HopLimit != 3 || job.HopStart != 3 || job.LastStatus != model.JobIdle {
		t.Fatalf("defaults = %+v", job)
	}
	if _, err := s.CreateJob(ctx, model.PublisherPeriodicJob{Name: "hello", PayloadType: model.PayloadText, ChannelName: "x"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate err = %v", err)
	}

	due, err := s.ListDueJobs(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDueJobs = %v, %v", due, err)
	}
	if due[0].PayloadOptions["message"] != "hi" {
		t.Fatalf("options = %v", due[0].PayloadOptions)
	}

	next := now.Add(job.Period())
	if ok, err := s.ClaimJob(ctx, job.ID, due[0].NextRunAt, next); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, err := s.ClaimJob(ctx, job.ID, due[0].NextRunAt, next); err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}
	if _, err := s.ClaimJob(ctx, 404, now, next); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing claim err = %v", err)
	}

	if err := s.RecordJobResult(ctx, job.ID, model.JobResult{Status: model.JobSuccess, RunAt: &now}); err != nil {
		t.Fatalf("RecordJobResult: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.LastStatus != model.JobSuccess || got.LastRunAt == nil || !got.LastRunAt.Equal(now) || !got.NextRunAt.Equal(next) {
		t.Fatalf("job = %+v", got)
	}

	if err := s.SetJobEnabled(ctx, job.ID, false); err != nil {
		t.Fatalf("SetJobEnabled: %v", err)
	}
	if due, _ := s.ListDueJobs(ctx, next.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("disabled job selected: %+v", due)
	}
}
