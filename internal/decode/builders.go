package decode

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stridetastic/meshcore/internal/meshproto"
	"github.com/stridetastic/meshcore/model"
)

const coordScale = 1e-7

func decodeText(raw []byte) (model.Payload, error) {
	if len(raw) == 0 {
		return nil, errEmpty
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("text is not valid utf-8")
	}
	return model.TextPayload{Text: string(raw)}, nil
}

func decodePosition(raw []byte) (model.Payload, error) {
	var p model.PositionPayload
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		switch f.Num {
		case meshproto.PositionLatitudeI:
			if err := meshproto.Expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			v := float64(int32(f.Fixed32)) * coordScale
			p.Latitude = &v
		case meshproto.PositionLongitudeI:
			if err := meshproto.Expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			v := float64(int32(f.Fixed32)) * coordScale
			p.Longitude = &v
		case meshproto.PositionAltitude:
			if err := meshproto.Expect(f, protowire.VarintType); err != nil {
				return err
			}
			v := f.Int32()
			p.Altitude = &v
		case meshproto.PositionTime:
			if err := meshproto.Expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			p.Time = unixPtr(f.Fixed32)
		case meshproto.PositionLocationSource:
			p.LocationSource = locationSource(f.Int32())
		case meshproto.PositionGPSAccuracy:
			v := uint32(f.Varint)
			p.Accuracy = &v
		case meshproto.PositionSeqNumber:
			v := uint32(f.Varint)
			p.SeqNumber = &v
		case meshproto.PositionPrecisionBits:
			v := uint32(f.Varint)
			p.PrecisionBits = &v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.Latitude != nil && math.Abs(*p.Latitude) > 90 {
		return nil, fmt.Errorf("latitude %f out of range", *p.Latitude)
	}
	if p.Longitude != nil && math.Abs(*p.Longitude) > 180 {
		return nil, fmt.Errorf("longitude %f out of range", *p.Longitude)
	}
	return p, nil
}

func locationSource(v int32) model.LocationSource {
	switch s := model.LocationSource(v); s {
	case model.LocationManual, model.LocationInternal, model.LocationExternal:
		return s
	default:
		return model.LocationUnset
	}
}

func decodeTelemetry(raw []byte) (model.Payload, error) {
	var t model.TelemetryPayload
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		switch f.Num {
		case meshproto.TelemetryTime:
			if err := meshproto.Expect(f, protowire.Fixed32Type); err != nil {
				return err
			}
			t.Time = unixPtr(f.Fixed32)
		case meshproto.TelemetryDevice:
			if err := meshproto.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			return meshproto.Walk(f.Bytes, func(g meshproto.Field) error {
				switch g.Num {
				case meshproto.DeviceBatteryLevel:
					v := uint32(g.Varint)
					t.BatteryLevel = &v
				case meshproto.DeviceVoltage:
					t.Voltage = float32Ptr(g)
				case meshproto.DeviceChannelUtilization:
					t.ChannelUtilization = float32Ptr(g)
				case meshproto.DeviceAirUtilTx:
					t.AirUtilTx = float32Ptr(g)
				case meshproto.DeviceUptimeSeconds:
					v := uint32(g.Varint)
					t.UptimeSeconds = &v
				}
				return nil
			})
		case meshproto.TelemetryEnvironment:
			if err := meshproto.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			return meshproto.Walk(f.Bytes, func(g meshproto.Field) error {
				switch g.Num {
				case meshproto.EnvironmentTemperature:
					t.Temperature = float32Ptr(g)
				case meshproto.EnvironmentRelativeHumidity:
					t.RelativeHumidity = float32Ptr(g)
				case meshproto.EnvironmentBarometricPressure:
					t.BarometricPressure = float32Ptr(g)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeNodeInfo(raw []byte) (model.Payload, error) {
	if len(raw) == 0 {
		return nil, errEmpty
	}
	var n model.NodeInfoPayload
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		switch f.Num {
		case meshproto.UserID, meshproto.UserLongName, meshproto.UserShortName:
			if err := meshproto.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			if !utf8.Valid(f.Bytes) {
				return fmt.Errorf("user field %d is not valid utf-8", f.Num)
			}
			switch f.Num {
			case meshproto.UserID:
				n.UserID = string(f.Bytes)
			case meshproto.UserLongName:
				n.LongName = string(f.Bytes)
			default:
				n.ShortName = string(f.Bytes)
			}
		case meshproto.UserMacAddr:
			n.MacAddress = formatMAC(f.Bytes)
		case meshproto.UserHWModel:
			n.HWModel = meshproto.HWModelName(f.Int32())
		case meshproto.UserIsLicensed:
			n.IsLicensed = f.Bool()
		case meshproto.UserRole:
			n.Role = meshproto.RoleName(f.Int32())
		case meshproto.UserPublicKey:
			n.PublicKey = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n.Role == "" {
		n.Role = meshproto.RoleName(0)
	}
	if n.HWModel == "" {
		n.HWModel = meshproto.HWModelName(0)
	}
	return n, nil
}

func decodeNeighborInfo(raw []byte) (model.Payload, error) {
	var n model.NeighborInfoPayload
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		switch f.Num {
		case meshproto.NeighborInfoNodeID:
			n.ReportingNode = model.NodeNum(f.Varint)
		case meshproto.NeighborInfoLastSentByID:
			n.LastSentBy = model.NodeNum(f.Varint)
		case meshproto.NeighborInfoBroadcastInterval:
			n.BroadcastIntervalSecs = uint32(f.Varint)
		case meshproto.NeighborInfoNeighbors:
			if err := meshproto.Expect(f, protowire.BytesType); err != nil {
				return err
			}
			var nb model.Neighbor
			err := meshproto.Walk(f.Bytes, func(g meshproto.Field) error {
				switch g.Num {
				case meshproto.NeighborNodeID:
					nb.Node = model.NodeNum(g.Varint)
				case meshproto.NeighborSNR:
					if err := meshproto.Expect(g, protowire.Fixed32Type); err != nil {
						return err
					}
					nb.SNR = g.Float32()
				case meshproto.NeighborLastRxTime:
					if err := meshproto.Expect(g, protowire.Fixed32Type); err != nil {
						return err
					}
					nb.LastRxTimeRaw = g.Fixed32
					nb.LastRxTime = unixPtr(g.Fixed32)
				case meshproto.NeighborBroadcastInterval:
					nb.BroadcastIntervalSecs = uint32(g.Varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.Neighbors = append(n.Neighbors, nb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n.ReportingNode == 0 {
		return nil, fmt.Errorf("neighbor info without reporting node")
	}
	return n, nil
}

func decodeRouteDiscovery(raw []byte) (model.Payload, error) {
	var (
		towards, back       []uint32
		snrTowards, snrBack []uint64
		hasBack             bool
	)
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		var err error
		switch f.Num {
		case meshproto.RouteDiscoveryRoute:
			towards, err = meshproto.RepeatedFixed32(towards, f)
		case meshproto.RouteDiscoverySNRTowards:
			snrTowards, err = meshproto.RepeatedVarint(snrTowards, f)
		case meshproto.RouteDiscoveryRouteBack:
			hasBack = true
			back, err = meshproto.RepeatedFixed32(back, f)
		case meshproto.RouteDiscoverySNRBack:
			snrBack, err = meshproto.RepeatedVarint(snrBack, f)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	rd := model.RouteDiscoveryPayload{
		RouteTowards: newRoute(towards),
		SNRTowards:   scaleSNR(snrTowards),
		SNRBack:      scaleSNR(snrBack),
	}
	if hasBack {
		r := newRoute(back)
		rd.RouteBack = &r
	}
	return rd, nil
}

func decodeRouting(raw []byte) (model.Payload, error) {
	var r model.RoutingPayload
	err := meshproto.Walk(raw, func(f meshproto.Field) error {
		switch f.Num {
		case meshproto.RoutingErrorReason:
			if err := meshproto.Expect(f, protowire.VarintType); err != nil {
				return err
			}
			r.ErrorReason = model.RoutingError(f.Int32())
		case meshproto.RoutingRouteRequest, meshproto.RoutingRouteReply:
			return meshproto.Expect(f, protowire.BytesType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newRoute(nodes []uint32) model.Route {
	r := model.Route{Nodes: make([]model.NodeNum, len(nodes)), Hops: len(nodes)}
	for i, n := range nodes {
		r.Nodes[i] = model.NodeNum(n)
	}
	return r
}

// scaleSNR converts wire SNR values (dB * 4) to dB.
func scaleSNR(vs []uint64) []float64 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(int32(v)) / 4
	}
	return out
}

func float32Ptr(f meshproto.Field) *float32 {
	if f.Type != protowire.Fixed32Type {
		return nil
	}
	v := f.Float32()
	return &v
}

func unixPtr(sec uint32) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(int64(sec), 0).UTC()
	return &t
}

func formatMAC(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, ":")
}
