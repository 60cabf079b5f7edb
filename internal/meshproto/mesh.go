package meshproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Data is the decoded application part of a MeshPacket.
type Data struct {
	PortNum      int32
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	Bitfield     uint32
}

// MeshPacket is the over-the-air packet envelope. Exactly one of Decoded and
// Encrypted is set on a well-formed packet.
type MeshPacket struct {
	From         uint32
	To           uint32
	Channel      uint32
	Decoded      *Data
	Encrypted    []byte
	ID           uint32
	RxTime       uint32
	RxSNR        float32
	HopLimit     uint32
	WantAck      bool
	Priority     uint32
	RxRSSI       int32
	ViaMQTT      bool
	HopStart     uint32
	PublicKey    []byte
	PKIEncrypted bool
	NextHop      uint32
	RelayNode    uint32
}

// ServiceEnvelope wraps a MeshPacket published by a gateway to MQTT.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// FromRadio is a message a locally attached radio sends over a stream.
// Only the members the ingest core consumes are kept.
type FromRadio struct {
	ID        uint32
	Packet    *MeshPacket
	MyNodeNum uint32
	HasMyInfo bool
}

// ToRadio is a message sent to a locally attached radio over a stream.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
}

// Field numbers of the messages above.
const (
	dataPortNum      protowire.Number = 1
	dataPayload      protowire.Number = 2
	dataWantResponse protowire.Number = 3
	dataDest         protowire.Number = 4
	dataSource       protowire.Number = 5
	dataRequestID    protowire.Number = 6
	dataReplyID      protowire.Number = 7
	dataEmoji        protowire.Number = 8
	dataBitfield     protowire.Number = 9

	packetFrom         protowire.Number = 1
	packetTo           protowire.Number = 2
	packetChannel      protowire.Number = 3
	packetDecoded      protowire.Number = 4
	packetEncrypted    protowire.Number = 5
	packetID           protowire.Number = 6
	packetRxTime       protowire.Number = 7
	packetRxSNR        protowire.Number = 8
	packetHopLimit     protowire.Number = 9
	packetWantAck      protowire.Number = 10
	packetPriority     protowire.Number = 11
	packetRxRSSI       protowire.Number = 12
	packetViaMQTT      protowire.Number = 14
	packetHopStart     protowire.Number = 15
	packetPublicKey    protowire.Number = 16
	packetPKIEncrypted protowire.Number = 17
	packetNextHop      protowire.Number = 18
	packetRelayNode    protowire.Number = 19

	envelopePacket    protowire.Number = 1
	envelopeChannelID protowire.Number = 2
	envelopeGatewayID protowire.Number = 3

	fromRadioID     protowire.Number = 1
	fromRadioPacket protowire.Number = 2
	fromRadioMyInfo protowire.Number = 3
	myInfoNodeNum   protowire.Number = 1

	toRadioPacket       protowire.Number = 1
	toRadioWantConfigID protowire.Number = 3
	toRadioDisconnect   protowire.Number = 4
)

// UnmarshalData decodes a Data message.
func UnmarshalData(b []byte) (*Data, error) {
	d := &Data{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case dataPortNum:
			d.PortNum = f.Int32()
		case dataPayload:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			d.Payload = f.Bytes
		case dataWantResponse:
			d.WantResponse = f.Bool()
		case dataDest:
			d.Dest = f.Fixed32
		case dataSource:
			d.Source = f.Fixed32
		case dataRequestID:
			d.RequestID = f.Fixed32
		case dataReplyID:
			d.ReplyID = f.Fixed32
		case dataEmoji:
			d.Emoji = f.Fixed32
		case dataBitfield:
			d.Bitfield = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return d, nil
}

// Marshal encodes d.
func (d *Data) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, dataPortNum, uint64(int64(d.PortNum)))
	b = appendBytesField(b, dataPayload, d.Payload)
	b = appendBoolField(b, dataWantResponse, d.WantResponse)
	b = appendFixed32Field(b, dataDest, d.Dest)
	b = appendFixed32Field(b, dataSource, d.Source)
	b = appendFixed32Field(b, dataRequestID, d.RequestID)
	b = appendFixed32Field(b, dataReplyID, d.ReplyID)
	b = appendFixed32Field(b, dataEmoji, d.Emoji)
	b = appendVarintField(b, dataBitfield, uint64(d.Bitfield))
	return b
}

// UnmarshalMeshPacket decodes a MeshPacket. A decoded member that fails to
// parse is reported as an error; callers decide whether to keep the envelope.
func UnmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case packetFrom:
			p.From = f.Fixed32
		case packetTo:
			p.To = f.Fixed32
		case packetChannel:
			p.Channel = uint32(f.Varint)
		case packetDecoded:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			d, err := UnmarshalData(f.Bytes)
			if err != nil {
				return err
			}
			p.Decoded = d
		case packetEncrypted:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			p.Encrypted = f.Bytes
		case packetID:
			p.ID = f.Fixed32
		case packetRxTime:
			p.RxTime = f.Fixed32
		case packetRxSNR:
			p.RxSNR = f.Float32()
		case packetHopLimit:
			p.HopLimit = uint32(f.Varint)
		case packetWantAck:
			p.WantAck = f.Bool()
		case packetPriority:
			p.Priority = uint32(f.Varint)
		case packetRxRSSI:
			p.RxRSSI = f.Int32()
		case packetViaMQTT:
			p.ViaMQTT = f.Bool()
		case packetHopStart:
			p.HopStart = uint32(f.Varint)
		case packetPublicKey:
			p.PublicKey = f.Bytes
		case packetPKIEncrypted:
			p.PKIEncrypted = f.Bool()
		case packetNextHop:
			p.NextHop = uint32(f.Varint)
		case packetRelayNode:
			p.RelayNode = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mesh packet: %w", err)
	}
	return p, nil
}

// Marshal encodes p.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	b = appendFixed32Field(b, packetFrom, p.From)
	b = appendFixed32Field(b, packetTo, p.To)
	b = appendVarintField(b, packetChannel, uint64(p.Channel))
	if p.Decoded != nil {
		b = appendMessageField(b, packetDecoded, p.Decoded.Marshal())
	} else {
		b = appendBytesField(b, packetEncrypted, p.Encrypted)
	}
	b = appendFixed32Field(b, packetID, p.ID)
	b = appendFixed32Field(b, packetRxTime, p.RxTime)
	b = appendFixed32Field(b, packetRxSNR, math.Float32bits(p.RxSNR))
	b = appendVarintField(b, packetHopLimit, uint64(p.HopLimit))
	b = appendBoolField(b, packetWantAck, p.WantAck)
	b = appendVarintField(b, packetPriority, uint64(p.Priority))
	b = appendVarintField(b, packetRxRSSI, uint64(int64(p.RxRSSI)))
	b = appendBoolField(b, packetViaMQTT, p.ViaMQTT)
	b = appendVarintField(b, packetHopStart, uint64(p.HopStart))
	b = appendBytesField(b, packetPublicKey, p.PublicKey)
	b = appendBoolField(b, packetPKIEncrypted, p.PKIEncrypted)
	b = appendVarintField(b, packetNextHop, uint64(p.NextHop))
	b = appendVarintField(b, packetRelayNode, uint64(p.RelayNode))
	return b
}

// UnmarshalServiceEnvelope decodes a ServiceEnvelope.
func UnmarshalServiceEnvelope(b []byte) (*ServiceEnvelope, error) {
	e := &ServiceEnvelope{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case envelopePacket:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			p, err := UnmarshalMeshPacket(f.Bytes)
			if err != nil {
				return err
			}
			e.Packet = p
		case envelopeChannelID:
			e.ChannelID = string(f.Bytes)
		case envelopeGatewayID:
			e.GatewayID = string(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service envelope: %w", err)
	}
	if e.Packet == nil {
		return nil, fmt.Errorf("service envelope: no packet")
	}
	return e, nil
}

// Marshal encodes e.
func (e *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendMessageField(b, envelopePacket, e.Packet.Marshal())
	}
	b = appendStringField(b, envelopeChannelID, e.ChannelID)
	b = appendStringField(b, envelopeGatewayID, e.GatewayID)
	return b
}

// UnmarshalFromRadio decodes a FromRadio message, ignoring members other
// than the packet and my_info.
func UnmarshalFromRadio(b []byte) (*FromRadio, error) {
	m := &FromRadio{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case fromRadioID:
			m.ID = uint32(f.Varint)
		case fromRadioPacket:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			p, err := UnmarshalMeshPacket(f.Bytes)
			if err != nil {
				return err
			}
			m.Packet = p
		case fromRadioMyInfo:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			m.HasMyInfo = true
			return Walk(f.Bytes, func(g Field) error {
				if g.Num == myInfoNodeNum {
					m.MyNodeNum = uint32(g.Varint)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("from radio: %w", err)
	}
	return m, nil
}

// Marshal encodes m. It exists mainly so stream fakes can produce radio output.
func (m *FromRadio) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, fromRadioID, uint64(m.ID))
	if m.Packet != nil {
		b = appendMessageField(b, fromRadioPacket, m.Packet.Marshal())
	}
	if m.HasMyInfo {
		b = appendMessageField(b, fromRadioMyInfo, appendVarintField(nil, myInfoNodeNum, uint64(m.MyNodeNum)))
	}
	return b
}

// Marshal encodes m.
func (m *ToRadio) Marshal() []byte {
	var b []byte
	if m.Packet != nil {
		b = appendMessageField(b, toRadioPacket, m.Packet.Marshal())
	}
	b = appendVarintField(b, toRadioWantConfigID, uint64(m.WantConfigID))
	b = appendBoolField(b, toRadioDisconnect, m.Disconnect)
	return b
}

// UnmarshalToRadio decodes a ToRadio message.
func UnmarshalToRadio(b []byte) (*ToRadio, error) {
	m := &ToRadio{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case toRadioPacket:
			if err := Expect(f, protowire.BytesType); err != nil {
				return err
			}
			p, err := UnmarshalMeshPacket(f.Bytes)
			if err != nil {
				return err
			}
			m.Packet = p
		case toRadioWantConfigID:
			m.WantConfigID = uint32(f.Varint)
		case toRadioDisconnect:
			m.Disconnect = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("to radio: %w", err)
	}
	return m, nil
}
