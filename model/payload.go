package model

import (
	"strings"
	"time"
)

// PayloadKind tags the variant held by a Payload.
type PayloadKind string

const (
	KindText           PayloadKind = "text_message"
	KindPosition       PayloadKind = "position"
	KindTelemetry      PayloadKind = "telemetry"
	KindNodeInfo       PayloadKind = "node_info"
	KindNeighborInfo   PayloadKind = "neighbor_info"
	KindRouteDiscovery PayloadKind = "route_discovery"
	KindRouting        PayloadKind = "routing"
	KindUnrecognized   PayloadKind = "unrecognized"
)

// Payload is the closed set of typed payload records a PacketData may carry.
// Only types in this package implement it.
type Payload interface {
	Kind() PayloadKind
	sealed()
}

// Recognized reports whether p carries a typed payload worth persisting.
func Recognized(p Payload) bool {
	return p != nil && p.Kind() != KindUnrecognized
}

// TextPayload is a TEXT_MESSAGE_APP body.
type TextPayload struct {
	Text string
}

// LocationSource mirrors the position fix source enumeration.
type LocationSource int32

const (
	LocationUnset    LocationSource = 0
	LocationManual   LocationSource = 1
	LocationInternal LocationSource = 2
	LocationExternal LocationSource = 3
)

func (s LocationSource) String() string {
	switch s {
	case LocationManual:
		return "LOC_MANUAL"
	case LocationInternal:
		return "LOC_INTERNAL"
	case LocationExternal:
		return "LOC_EXTERNAL"
	default:
		return "LOC_UNSET"
	}
}

// PositionPayload is a POSITION_APP report. Absent optional fields stay nil.
type PositionPayload struct {
	Latitude       *float64
	Longitude      *float64
	Altitude       *int32
	Accuracy       *uint32
	SeqNumber      *uint32
	PrecisionBits  *uint32
	LocationSource LocationSource
	Time           *time.Time
}

// TelemetryPayload is a TELEMETRY_APP report covering device and environment metrics.
type TelemetryPayload struct {
	BatteryLevel       *uint32
	Voltage            *float32
	ChannelUtilization *float32
	AirUtilTx          *float32
	UptimeSeconds      *uint32
	Temperature        *float32
	RelativeHumidity   *float32
	BarometricPressure *float32
	Time               *time.Time
}

// NodeInfoPayload is the User record broadcast on NODEINFO_APP.
type NodeInfoPayload struct {
	UserID     string
	LongName   string
	ShortName  string
	MacAddress string
	HWModel    string
	Role       string
	IsLicensed bool
	PublicKey  []byte
}

// NeighborInfoPayload lists the neighbors heard by the reporting node.
type NeighborInfoPayload struct {
	ReportingNode         NodeNum
	LastSentBy            NodeNum
	BroadcastIntervalSecs uint32
	Neighbors             []Neighbor
}

// Neighbor is one child row of a NeighborInfoPayload.
type Neighbor struct {
	Node                  NodeNum
	SNR                   float32
	LastRxTime            *time.Time
	LastRxTimeRaw         uint32
	BroadcastIntervalSecs uint32
}

// Route is an ordered hop list. Routes are shared entities: the store keeps
// one row per distinct node list.
type Route struct {
	ID    int64
	Nodes []NodeNum
	Hops  int
}

// Key is the canonical content key used to deduplicate routes.
func (r Route) Key() string {
	ids := make([]string, len(r.Nodes))
	for i, n := range r.Nodes {
		ids[i] = n.ID()
	}
	return strings.Join(ids, ",")
}

// RouteDiscoveryPayload is a TRACEROUTE_APP record.
type RouteDiscoveryPayload struct {
	RouteTowards Route
	SNRTowards   []float64
	RouteBack    *Route
	SNRBack      []float64
}

// RoutingError is the error reason carried by ROUTING_APP packets.
type RoutingError int32

const (
	RoutingNone                       RoutingError = 0
	RoutingNoRoute                    RoutingError = 1
	RoutingGotNak                     RoutingError = 2
	RoutingTimeout                    RoutingError = 3
	RoutingNoInterface                RoutingError = 4
	RoutingMaxRetransmit              RoutingError = 5
	RoutingNoChannel                  RoutingError = 6
	RoutingTooLarge                   RoutingError = 7
	RoutingNoResponse                 RoutingError = 8
	RoutingDutyCycleLimit             RoutingError = 9
	RoutingBadRequest                 RoutingError = 32
	RoutingNotAuthorized              RoutingError = 33
	RoutingPKIFailed                  RoutingError = 34
	RoutingPKIUnknownPubkey           RoutingError = 35
	RoutingAdminBadSessionKey         RoutingError = 36
	RoutingAdminPublicKeyUnauthorized RoutingError = 37
)

var routingErrorNames = map[RoutingError]string{
	RoutingNone:                       "NONE",
	RoutingNoRoute:                    "NO_ROUTE",
	RoutingGotNak:                     "GOT_NAK",
	RoutingTimeout:                    "TIMEOUT",
	RoutingNoInterface:                "NO_INTERFACE",
	RoutingMaxRetransmit:              "MAX_RETRANSMIT",
	RoutingNoChannel:                  "NO_CHANNEL",
	RoutingTooLarge:                   "TOO_LARGE",
	RoutingNoResponse:                 "NO_RESPONSE",
	RoutingDutyCycleLimit:             "DUTY_CYCLE_LIMIT",
	RoutingBadRequest:                 "BAD_REQUEST",
	RoutingNotAuthorized:              "NOT_AUTHORIZED",
	RoutingPKIFailed:                  "PKI_FAILED",
	RoutingPKIUnknownPubkey:           "PKI_UNKNOWN_PUBKEY",
	RoutingAdminBadSessionKey:         "ADMIN_BAD_SESSION_KEY",
	RoutingAdminPublicKeyUnauthorized: "ADMIN_PUBLIC_KEY_UNAUTHORIZED",
}

// KnownRoutingError reports whether e is a defined reason.
func KnownRoutingError(e RoutingError) bool {
	_, ok := routingErrorNames[e]
	return ok
}

func (e RoutingError) String() string {
	if name, ok := routingErrorNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// RoutingPayload is a ROUTING_APP record.
type RoutingPayload struct {
	ErrorReason RoutingError
	Source      NodeNum
	Dest        NodeNum
}

// UnrecognizedReason explains why no typed payload was produced.
type UnrecognizedReason string

const (
	ReasonUnsupportedPort UnrecognizedReason = "unsupported_port"
	ReasonMalformed       UnrecognizedReason = "malformed"
	ReasonEncrypted       UnrecognizedReason = "encrypted"
)

// Unrecognized marks a frame whose payload could not be typed. The envelope
// is still persisted.
type Unrecognized struct {
	Port   PortNum
	Reason UnrecognizedReason
	Detail string
}

func (TextPayload) Kind() PayloadKind           { return KindText }
func (PositionPayload) Kind() PayloadKind       { return KindPosition }
func (TelemetryPayload) Kind() PayloadKind      { return KindTelemetry }
func (NodeInfoPayload) Kind() PayloadKind       { return KindNodeInfo }
func (NeighborInfoPayload) Kind() PayloadKind   { return KindNeighborInfo }
func (RouteDiscoveryPayload) Kind() PayloadKind { return KindRouteDiscovery }
func (RoutingPayload) Kind() PayloadKind        { return KindRouting }
func (Unrecognized) Kind() PayloadKind          { return KindUnrecognized }

func (TextPayload) sealed()           {}
func (PositionPayload) sealed()       {}
func (TelemetryPayload) sealed()      {}
func (NodeInfoPayload) sealed()       {}
func (NeighborInfoPayload) sealed()   {}
func (RouteDiscoveryPayload) sealed() {}
func (RoutingPayload) sealed()        {}
func (Unrecognized) sealed()          {}
