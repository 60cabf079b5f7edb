package meshproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Position is the wire form of a POSITION_APP payload. Coordinates are
// degrees scaled by 1e7.
type Position struct {
	LatitudeI      int32
	LongitudeI     int32
	Altitude       int32
	Time           uint32
	LocationSource int32
	GPSAccuracy    uint32
	SeqNumber      uint32
	PrecisionBits  uint32
}

// Position field numbers.
const (
	PositionLatitudeI      protowire.Number = 1
	PositionLongitudeI     protowire.Number = 2
	PositionAltitude       protowire.Number = 3
	PositionTime           protowire.Number = 4
	PositionLocationSource protowire.Number = 5
	PositionGPSAccuracy    protowire.Number = 14
	PositionSeqNumber      protowire.Number = 22
	PositionPrecisionBits  protowire.Number = 23
)

// Marshal encodes p.
func (p *Position) Marshal() []byte {
	var b []byte
	b = appendFixed32Field(b, PositionLatitudeI, uint32(p.LatitudeI))
	b = appendFixed32Field(b, PositionLongitudeI, uint32(p.LongitudeI))
	b = appendVarintField(b, PositionAltitude, uint64(int64(p.Altitude)))
	b = appendFixed32Field(b, PositionTime, p.Time)
	b = appendVarintField(b, PositionLocationSource, uint64(int64(p.LocationSource)))
	b = appendVarintField(b, PositionGPSAccuracy, uint64(p.GPSAccuracy))
	b = appendVarintField(b, PositionSeqNumber, uint64(p.SeqNumber))
	b = appendVarintField(b, PositionPrecisionBits, uint64(p.PrecisionBits))
	return b
}

// User is the wire form of a NODEINFO_APP payload.
type User struct {
	ID         string
	LongName   string
	ShortName  string
	MacAddr    []byte
	HWModel    int32
	IsLicensed bool
	Role       int32
	PublicKey  []byte
}

// User field numbers.
const (
	UserID         protowire.Number = 1
	UserLongName   protowire.Number = 2
	UserShortName  protowire.Number = 3
	UserMacAddr    protowire.Number = 4
	UserHWModel    protowire.Number = 5
	UserIsLicensed protowire.Number = 6
	UserRole       protowire.Number = 7
	UserPublicKey  protowire.Number = 8
)

// Marshal encodes u.
func (u *User) Marshal() []byte {
	var b []byte
	b = appendStringField(b, UserID, u.ID)
	b = appendStringField(b, UserLongName, u.LongName)
	b = appendStringField(b, UserShortName, u.ShortName)
	b = appendBytesField(b, UserMacAddr, u.MacAddr)
	b = appendVarintField(b, UserHWModel, uint64(int64(u.HWModel)))
	b = appendBoolField(b, UserIsLicensed, u.IsLicensed)
	b = appendVarintField(b, UserRole, uint64(int64(u.Role)))
	b = appendBytesField(b, UserPublicKey, u.PublicKey)
	return b
}

// RouteDiscovery is the wire form of a TRACEROUTE_APP payload. SNR values are
// carried as dB scaled by 4.
type RouteDiscovery struct {
	Route      []uint32
	SNRTowards []int32
	RouteBack  []uint32
	SNRBack    []int32
}

// RouteDiscovery field numbers.
const (
	RouteDiscoveryRoute      protowire.Number = 1
	RouteDiscoverySNRTowards protowire.Number = 2
	RouteDiscoveryRouteBack  protowire.Number = 3
	RouteDiscoverySNRBack    protowire.Number = 4
)

// Marshal encodes r using packed repeated fields.
func (r *RouteDiscovery) Marshal() []byte {
	var b []byte
	b = appendPackedFixed32(b, RouteDiscoveryRoute, r.Route)
	b = appendPackedInt32(b, RouteDiscoverySNRTowards, r.SNRTowards)
	b = appendPackedFixed32(b, RouteDiscoveryRouteBack, r.RouteBack)
	b = appendPackedInt32(b, RouteDiscoverySNRBack, r.SNRBack)
	return b
}

// Telemetry, NeighborInfo and Routing field numbers, used by the decoder.
const (
	TelemetryTime        protowire.Number = 1
	TelemetryDevice      protowire.Number = 2
	TelemetryEnvironment protowire.Number = 3

	DeviceBatteryLevel       protowire.Number = 1
	DeviceVoltage            protowire.Number = 2
	DeviceChannelUtilization protowire.Number = 3
	DeviceAirUtilTx          protowire.Number = 4
	DeviceUptimeSeconds      protowire.Number = 5

	EnvironmentTemperature        protowire.Number = 1
	EnvironmentRelativeHumidity   protowire.Number = 2
	EnvironmentBarometricPressure protowire.Number = 3

	NeighborInfoNodeID            protowire.Number = 1
	NeighborInfoLastSentByID      protowire.Number = 2
	NeighborInfoBroadcastInterval protowire.Number = 3
	NeighborInfoNeighbors         protowire.Number = 4

	NeighborNodeID            protowire.Number = 1
	NeighborSNR               protowire.Number = 2
	NeighborLastRxTime        protowire.Number = 3
	NeighborBroadcastInterval protowire.Number = 4

	RoutingRouteRequest protowire.Number = 1
	RoutingRouteReply   protowire.Number = 2
	RoutingErrorReason  protowire.Number = 3
)

func appendPackedFixed32(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedInt32(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

var hwModelNames = map[int32]string{
	0:   "UNSET",
	1:   "TLORA_V2",
	2:   "TLORA_V1",
	3:   "TLORA_V2_1_1P6",
	4:   "TBEAM",
	5:   "HELTEC_V2_0",
	6:   "TBEAM_V0P7",
	7:   "T_ECHO",
	8:   "TLORA_V1_1P3",
	9:   "RAK4631",
	10:  "HELTEC_V2_1",
	11:  "HELTEC_V1",
	12:  "LILYGO_TBEAM_S3_CORE",
	13:  "RAK11200",
	14:  "NANO_G1",
	15:  "TLORA_V2_1_1P8",
	16:  "TLORA_T3_S3",
	17:  "NANO_G1_EXPLORER",
	18:  "NANO_G2_ULTRA",
	25:  "STATION_G1",
	26:  "RAK11310",
	31:  "STATION_G2",
	37:  "PORTDUINO",
	39:  "DIY_V1",
	43:  "HELTEC_V3",
	44:  "HELTEC_WSL_V3",
	48:  "HELTEC_WIRELESS_TRACKER",
	49:  "HELTEC_WIRELESS_PAPER",
	50:  "T_DECK",
	51:  "T_WATCH_S3",
	255: "PRIVATE_HW",
}

// HWModelName returns the hardware model enum name, or "HW_<n>" for values
// this package does not know.
func HWModelName(v int32) string {
	if name, ok := hwModelNames[v]; ok {
		return name
	}
	return fmt.Sprintf("HW_%d", v)
}

// HWModelValue is the inverse of HWModelName for known names.
func HWModelValue(name string) (int32, bool) {
	for v, n := range hwModelNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}

var roleNames = map[int32]string{
	0:  "CLIENT",
	1:  "CLIENT_MUTE",
	2:  "ROUTER",
	3:  "ROUTER_CLIENT",
	4:  "REPEATER",
	5:  "TRACKER",
	6:  "SENSOR",
	7:  "TAK",
	8:  "CLIENT_HIDDEN",
	9:  "LOST_AND_FOUND",
	10: "TAK_TRACKER",
	11: "ROUTER_LATE",
}

// RoleName returns the device role enum name, or "ROLE_<n>".
func RoleName(v int32) string {
	if name, ok := roleNames[v]; ok {
		return name
	}
	return fmt.Sprintf("ROLE_%d", v)
}

// RoleValue is the inverse of RoleName for known names.
func RoleValue(name string) (int32, bool) {
	for v, n := range roleNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}
