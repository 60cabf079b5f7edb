package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeNum is the 32-bit number identifying a mesh node.
type NodeNum uint32

// BroadcastNum addresses every node on a channel.
const BroadcastNum NodeNum = 0xffffffff

// ID renders the canonical "!xxxxxxxx" form.
func (n NodeNum) ID() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// IsBroadcast reports whether n is the broadcast address.
func (n NodeNum) IsBroadcast() bool { return n == BroadcastNum }

func (n NodeNum) String() string { return n.ID() }

// ParseNodeID accepts "!0000abcd", "0x0000abcd", "^all" or a decimal node number.
func ParseNodeID(s string) (NodeNum, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, fmt.Errorf("empty node id")
	case s == "^all":
		return BroadcastNum, nil
	case strings.HasPrefix(s, "!"):
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return NodeNum(v), nil
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return NodeNum(v), nil
	default:
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", s)
		}
		return NodeNum(v), nil
	}
}

// Node is a mesh node directory entry.
type Node struct {
	Num        NodeNum
	LongName   string
	ShortName  string
	HWModel    string
	Role       string
	MacAddress string
	PublicKey  []byte
	IsLicensed bool

	FirstSeen time.Time
	LastHeard time.Time
}

// ID returns the canonical node id.
func (n Node) ID() string { return n.Num.ID() }
