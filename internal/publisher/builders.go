package publisher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/transport"
	"github.com/stridetastic/meshcore/model"
)

// Payload option keys.
const (
	OptMessage    = "message"
	OptLatitude   = "latitude"
	OptLongitude  = "longitude"
	OptAltitude   = "altitude"
	OptAccuracy   = "accuracy"
	OptTargetNode = "target_node"
)

// locSourceManual marks a position entered by hand rather than from GPS.
const locSourceManual = 1

// NodeLookup resolves node directory entries for nodeinfo payloads.
type NodeLookup interface {
	GetNode(ctx context.Context, num model.NodeNum) (model.Node, error)
}

// BuildOutbound assembles the packet a job transmits. local is the node
// number of the gateway radio, used when the job names no source node.
func BuildOutbound(ctx context.Context, job model.PublisherPeriodicJob, local model.NodeNum, nodes NodeLookup, packetID uint32, now time.Time) (transport.Outbound, error) {
	from := local
	if job.FromNode != "" {
		n, err := model.ParseNodeID(job.FromNode)
		if err != nil {
			return transport.Outbound{}, fmt.Errorf("from_node: %w", err)
		}
		from = n
	}
	if from == 0 {
		return transport.Outbound{}, errors.New("no source node: set from_node or use a gateway with a known node")
	}

	to := model.BroadcastNum
	if job.ToNode != "" {
		n, err := model.ParseNodeID(job.ToNode)
		if err != nil {
			return transport.Outbound{}, fmt.Errorf("to_node: %w", err)
		}
		to = n
	}

	gateway := from
	if job.GatewayNode != "" {
		n, err := model.ParseNodeID(job.GatewayNode)
		if err != nil {
			return transport.Outbound{}, fmt.Errorf("gateway_node: %w", err)
		}
		gateway = n
	}

	key := meshproto.DefaultChannelKey
	if job.ChannelKey != "" {
		k, err := meshproto.ExpandChannelKey(job.ChannelKey)
		if err != nil {
			return transport.Outbound{}, err
		}
		key = k
	}

	data := &meshproto.Data{}
	switch job.PayloadType {
	case model.PayloadText:
		msg, ok := optString(job.PayloadOptions, OptMessage)
		if !ok || msg == "" {
			return transport.Outbound{}, errors.New("text job needs a message option")
		}
		data.PortNum = int32(model.PortTextMessage)
		data.Payload = []byte(msg)

	case model.PayloadPosition:
		pos, err := buildPosition(job.PayloadOptions, now)
		if err != nil {
			return transport.Outbound{}, err
		}
		data.PortNum = int32(model.PortPosition)
		data.Payload = pos.Marshal()

	case model.PayloadNodeInfo:
		user, err := buildUser(ctx, from, nodes)
		if err != nil {
			return transport.Outbound{}, err
		}
		data.PortNum = int32(model.PortNodeInfo)
		data.Payload = user.Marshal()

	case model.PayloadTraceroute:
		raw, ok := job.PayloadOptions[OptTargetNode]
		if !ok {
			return transport.Outbound{}, errors.New("traceroute job needs a target_node option")
		}
		target, err := parseNodeOption(raw)
		if err != nil {
			return transport.Outbound{}, fmt.Errorf("target_node: %w", err)
		}
		if target.IsBroadcast() {
			return transport.Outbound{}, errors.New("traceroute target cannot be broadcast")
		}
		to = target
		data.PortNum = int32(model.PortTraceroute)
		data.Payload = (&meshproto.RouteDiscovery{}).Marshal()
		data.WantResponse = true

	default:
		return transport.Outbound{}, fmt.Errorf("unknown payload type %q", job.PayloadType)
	}

	pkt := &meshproto.MeshPacket{
		From:         uint32(from),
		To:           uint32(to),
		ID:           packetID,
		HopLimit:     job.HopLimit,
		HopStart:     job.HopStart,
		WantAck:      job.WantAck,
		PKIEncrypted: job.PKIEncrypted,
		Decoded:      data,
	}
	return transport.Outbound{
		Packet:      pkt,
		ChannelName: job.ChannelName,
		ChannelKey:  key,
		Gateway:     gateway,
	}, nil
}

func buildPosition(opts map[string]any, now time.Time) (*meshproto.Position, error) {
	lat, okLat, err := optFloat(opts, OptLatitude)
	if err != nil {
		return nil, err
	}
	lon, okLon, err := optFloat(opts, OptLongitude)
	if err != nil {
		return nil, err
	}
	if !okLat || !okLon {
		return nil, errors.New("position job needs latitude and longitude options")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("position %f,%f out of range", lat, lon)
	}
	pos := &meshproto.Position{
		LatitudeI:      int32(math.Round(lat * 1e7)),
		LongitudeI:     int32(math.Round(lon * 1e7)),
		Time:           uint32(now.Unix()),
		LocationSource: locSourceManual,
		PrecisionBits:  32,
	}
	if alt, ok, err := optFloat(opts, OptAltitude); err != nil {
		return nil, err
	} else if ok {
		pos.Altitude = int32(math.Round(alt))
	}
	if acc, ok, err := optFloat(opts, OptAccuracy); err != nil {
		return nil, err
	} else if ok && acc > 0 {
		pos.GPSAccuracy = uint32(math.Round(acc))
	}
	return pos, nil
}

// buildUser advertises the gateway identity from the node directory, or a
// generated name when the node has never been heard.
func buildUser(ctx context.Context, num model.NodeNum, nodes NodeLookup) (*meshproto.User, error) {
	suffix := fmt.Sprintf("%04x", uint32(num)&0xffff)
	user := &meshproto.User{
		ID:        num.ID(),
		LongName:  "Meshtastic " + suffix,
		ShortName: suffix,
	}
	if nodes == nil {
		return user, nil
	}
	node, err := nodes.GetNode(ctx, num)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return user, nil
	case err != nil:
		return nil, fmt.Errorf("load node %s: %w", num, err)
	}
	if node.LongName != "" {
		user.LongName = node.LongName
	}
	if node.ShortName != "" {
		user.ShortName = node.ShortName
	}
	if v, ok := meshproto.HWModelValue(node.HWModel); ok {
		user.HWModel = v
	}
	if v, ok := meshproto.RoleValue(node.Role); ok {
		user.Role = v
	}
	user.IsLicensed = node.IsLicensed
	user.PublicKey = node.PublicKey
	return user, nil
}

func optString(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprint(s), true
	}
}

func optFloat(opts map[string]any, key string) (float64, bool, error) {
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("%s: unsupported value %v", key, v)
	}
}

func parseNodeOption(v any) (model.NodeNum, error) {
	switch n := v.(type) {
	case string:
		return model.ParseNodeID(n)
	case int:
		return model.NodeNum(uint32(n)), nil
	case int64:
		return model.NodeNum(uint32(n)), nil
	case float64:
		if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
			return 0, fmt.Errorf("invalid node number %v", n)
		}
		return model.NodeNum(uint32(n)), nil
	default:
		return 0, fmt.Errorf("invalid node reference %v", v)
	}
}
