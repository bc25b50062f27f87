package node

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

// Type records how a URI or attribute of a node was learned.
type Type int

const (
	TypeUnavailable Type = iota
	TypeConnected
	TypeDiscovered
	TypeStaticGlobal
	TypeStaticLocal
	TypeDHTDiscovered
	TypeP2PDialup
)

func (t Type) String() string {
	switch t {
	case TypeConnected:
		return "connected"
	case TypeDiscovered:
		return "discovered"
	case TypeStaticGlobal:
		return "static global"
	case TypeStaticLocal:
		return "static local"
	case TypeDHTDiscovered:
		return "dht discovered"
	case TypeP2PDialup:
		return "p2p dialup"
	default:
		return "unavailable"
	}
}

// IsLocal reports whether the type is usable without global connectivity.
func (t Type) IsLocal() bool {
	switch t {
	case TypeConnected, TypeDiscovered, TypeStaticLocal, TypeP2PDialup:
		return true
	default:
		return false
	}
}

// URI is one way to reach a node.
type URI struct {
	Type     Type
	Protocol Protocol
	Value    string
	// Expire is a DTN timestamp; zero never expires.
	Expire   uint64
	Priority int
}

// Same reports whether both URIs describe the same address.
func (u URI) Same(other URI) bool {
	return u.Type == other.Type && u.Protocol == other.Protocol && u.Value == other.Value
}

// Expired reports whether the URI lapsed before now.
func (u URI) Expired(now uint64) bool {
	return u.Expire > 0 && u.Expire < now
}

// Decode parses a "ip=<host>;port=<port>;" style value.
func (u URI) Decode() (string, int, error) {
	var host string
	port := 0
	for _, part := range strings.Split(u.Value, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ip", "host":
			host = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil {
				return "", 0, oops.In("node").Wrapf(err, "invalid port in %q", u.Value)
			}
			port = p
		}
	}
	if host == "" {
		return "", 0, oops.In("node").Errorf("no address in %q", u.Value)
	}
	return host, port, nil
}

func (u URI) String() string {
	return fmt.Sprintf("%s#%s#%s", u.Protocol, u.Type, u.Value)
}

// Attribute describes a service offered by a node.
type Attribute struct {
	Type     Type
	Name     string
	Value    string
	Expire   uint64
	Priority int
}

// Same reports whether both attributes describe the same service.
func (a Attribute) Same(other Attribute) bool {
	return a.Type == other.Type && a.Name == other.Name
}

// Expired reports whether the attribute lapsed before now.
func (a Attribute) Expired(now uint64) bool {
	return a.Expire > 0 && a.Expire < now
}

// Node describes a peer independent of whether it is currently reachable.
type Node struct {
	eid                bundle.EID
	uris               []URI
	attrs              []Attribute
	connectImmediately bool
	announced          bool
}

// New creates an empty node for eid.
func New(eid bundle.EID) *Node {
	return &Node{eid: eid.Node()}
}

// EID returns the node endpoint.
func (n *Node) EID() bundle.EID {
	return n.eid
}

// Add inserts u or refreshes the expiry and priority of the same URI.
func (n *Node) Add(u URI) {
	for i := range n.uris {
		if n.uris[i].Same(u) {
			n.uris[i].Expire = u.Expire
			n.uris[i].Priority = u.Priority
			n.sortURIs()
			return
		}
	}
	n.uris = append(n.uris, u)
	n.sortURIs()
}

func (n *Node) sortURIs() {
	sort.SliceStable(n.uris, func(i, j int) bool {
		return n.uris[i].Priority > n.uris[j].Priority
	})
}

// Remove deletes the same URI if present.
func (n *Node) Remove(u URI) {
	for i := range n.uris {
		if n.uris[i].Same(u) {
			n.uris = append(n.uris[:i], n.uris[i+1:]...)
			return
		}
	}
}

// AddAttribute inserts a or refreshes the same attribute.
func (n *Node) AddAttribute(a Attribute) {
	for i := range n.attrs {
		if n.attrs[i].Same(a) {
			n.attrs[i] = a
			return
		}
	}
	n.attrs = append(n.attrs, a)
}

// RemoveAttribute deletes the same attribute if present.
func (n *Node) RemoveAttribute(a Attribute) {
	for i := range n.attrs {
		if n.attrs[i].Same(a) {
			n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
			return
		}
	}
}

// Clear removes all URIs and attributes.
func (n *Node) Clear() {
	n.uris = nil
	n.attrs = nil
}

// URIs returns all URIs ordered by descending priority.
func (n *Node) URIs() []URI {
	return append([]URI(nil), n.uris...)
}

// URIsFor returns the URIs using protocol p.
func (n *Node) URIsFor(p Protocol) []URI {
	var out []URI
	for _, u := range n.uris {
		if u.Protocol == p {
			out = append(out, u)
		}
	}
	return out
}

// URIsOfType returns the URIs learned through t.
func (n *Node) URIsOfType(t Type) []URI {
	var out []URI
	for _, u := range n.uris {
		if u.Type == t {
			out = append(out, u)
		}
	}
	return out
}

// Attributes returns a copy of the attributes.
func (n *Node) Attributes() []Attribute {
	return append([]Attribute(nil), n.attrs...)
}

// Has reports whether any URI uses p.
func (n *Node) Has(p Protocol) bool {
	for _, u := range n.uris {
		if u.Protocol == p {
			return true
		}
	}
	return false
}

// HasType reports whether any URI was learned through t.
func (n *Node) HasType(t Type) bool {
	for _, u := range n.uris {
		if u.Type == t {
			return true
		}
	}
	return false
}

// HasDialup reports whether the node is reachable through a P2P dial-up path.
func (n *Node) HasDialup() bool {
	return n.HasType(TypeP2PDialup)
}

// Expire drops URIs and attributes that lapsed before now and reports
// whether anything was removed.
func (n *Node) Expire(now uint64) bool {
	changed := false
	uris := n.uris[:0]
	for _, u := range n.uris {
		if u.Expired(now) {
			changed = true
			continue
		}
		uris = append(uris, u)
	}
	n.uris = uris

	attrs := n.attrs[:0]
	for _, a := range n.attrs {
		if a.Expired(now) {
			changed = true
			continue
		}
		attrs = append(attrs, a)
	}
	n.attrs = attrs
	return changed
}

// IsEmpty reports whether nothing is known about the node anymore.
func (n *Node) IsEmpty() bool {
	return len(n.uris) == 0 && len(n.attrs) == 0
}

// IsAvailable reports whether the node can be reached. Without global
// connectivity only locally reachable URI types count.
func (n *Node) IsAvailable(global bool) bool {
	if global {
		return len(n.uris) > 0
	}
	for _, u := range n.uris {
		if u.Type.IsLocal() {
			return true
		}
	}
	return false
}

// ConnectImmediately reports whether the node should be dialled proactively.
func (n *Node) ConnectImmediately() bool {
	return n.connectImmediately
}

// SetConnectImmediately flags the node for proactive connection.
func (n *Node) SetConnectImmediately(v bool) {
	n.connectImmediately = v
}

// Announced reports whether the node was announced as available.
func (n *Node) Announced() bool {
	return n.announced
}

// SetAnnounced records the announcement state.
func (n *Node) SetAnnounced(v bool) {
	n.announced = v
}

// Merge adds all URIs and attributes of other.
func (n *Node) Merge(other *Node) {
	for _, u := range other.uris {
		n.Add(u)
	}
	for _, a := range other.attrs {
		n.AddAttribute(a)
	}
	if other.connectImmediately {
		n.connectImmediately = true
	}
}

// Subtract removes all URIs and attributes of other.
func (n *Node) Subtract(other *Node) {
	for _, u := range other.uris {
		n.Remove(u)
	}
	for _, a := range other.attrs {
		n.RemoveAttribute(a)
	}
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	c := *n
	c.uris = append([]URI(nil), n.uris...)
	c.attrs = append([]Attribute(nil), n.attrs...)
	return &c
}

func (n *Node) String() string {
	parts := make([]string, 0, len(n.uris))
	for _, u := range n.uris {
		parts = append(parts, u.String())
	}
	return fmt.Sprintf("%s [%s]", n.eid, strings.Join(parts, ", "))
}
