package node

import "strings"

// Protocol identifies a convergence layer.
type Protocol int

const (
	ProtoUndefined Protocol = iota
	ProtoUnsupported
	ProtoTCP
	ProtoUDP
	ProtoHTTP
	ProtoFile
	ProtoLoWPAN
	ProtoDatagramUDP
	ProtoDatagramEthernet
	ProtoDatagramLoWPAN
	ProtoP2PWifi
	ProtoP2PBluetooth
	ProtoEmail
	ProtoLocal
)

var protocolNames = map[Protocol]string{
	ProtoUndefined:        "undefined",
	ProtoUnsupported:      "unsupported",
	ProtoTCP:              "tcp",
	ProtoUDP:              "udp",
	ProtoHTTP:             "http",
	ProtoFile:             "file",
	ProtoLoWPAN:           "lowpan",
	ProtoDatagramUDP:      "dgram:udp",
	ProtoDatagramEthernet: "dgram:ethernet",
	ProtoDatagramLoWPAN:   "dgram:lowpan",
	ProtoP2PWifi:          "p2p:wifi",
	ProtoP2PBluetooth:     "p2p:bt",
	ProtoEmail:            "email",
	ProtoLocal:            "local",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unsupported"
}

// ParseProtocol maps a protocol name to its value. Unknown names map to
// ProtoUnsupported.
func ParseProtocol(name string) Protocol {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range protocolNames {
		if n == name {
			return p
		}
	}
	return ProtoUnsupported
}

// IsP2P reports whether the protocol needs a dial-up step before use.
func (p Protocol) IsP2P() bool {
	return p == ProtoP2PWifi || p == ProtoP2PBluetooth
}
