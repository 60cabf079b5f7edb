package model

import "time"

// Packet is the envelope of a received frame.
type Packet struct {
	ID          int64
	InterfaceID int64

	From     NodeNum
	To       NodeNum
	PacketID uint32

	// Channel is the channel name when known (MQTT envelopes) or the
	// channel hash rendered as a decimal string.
	Channel      string
	ChannelIndex uint32
	GatewayID    string
	Topic        string

	HopLimit     uint32
	HopStart     uint32
	WantAck      bool
	ViaMQTT      bool
	PKIEncrypted bool
	Encrypted    bool

	RxSNR  float32
	RxRSSI int32
	RxTime *time.Time

	ReceivedAt time.Time
}

// HopsAway is the number of relays the packet crossed, or -1 when the
// sender did not report hop_start.
func (p Packet) HopsAway() int {
	if p.HopStart == 0 || p.HopLimit > p.HopStart {
		return -1
	}
	return int(p.HopStart - p.HopLimit)
}

// PacketData is the application part of a packet. Payload holds at most one
// typed record; Unrecognized frames persist none.
type PacketData struct {
	PacketID   int64
	Port       PortNum
	RawPayload []byte

	WantResponse bool
	RequestID    uint32
	ReplyID      uint32
	Source       NodeNum
	Dest         NodeNum

	Payload Payload
}

// Kind reports the typed payload kind, or KindUnrecognized when none is attached.
func (d PacketData) Kind() PayloadKind {
	if d.Payload == nil {
		return KindUnrecognized
	}
	return d.Payload.Kind()
}
