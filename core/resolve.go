package core

import "github.com/stridetastic/meshcore/model"

// ResolveObservation decides which pair, if any, a received packet links.
//
// Unicast packets link sender and destination. A broadcast only proves radio
// contact when it was heard directly (no hops consumed), in which case it
// links the sender with the receiving gateway. Anything else does not touch
// the graph.
func ResolveObservation(pkt model.Packet, gateway model.NodeNum) (Observation, bool) {
	obs := Observation{
		From:      pkt.From,
		Channel:   pkt.Channel,
		Timestamp: pkt.ReceivedAt,
		PacketID:  pkt.ID,
	}
	switch {
	case !pkt.To.IsBroadcast():
		obs.To = pkt.To
	case pkt.HopStart > 0 && pkt.HopStart == pkt.HopLimit && gateway != 0:
		obs.To = gateway
	default:
		return Observation{}, false
	}
	if obs.Validate() != nil {
		return Observation{}, false
	}
	return obs, true
}
