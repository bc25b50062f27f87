package core

import (
	"sync"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/config"
	"github.com/go-i2p/go-dtn/lib/node"
	"github.com/go-i2p/go-dtn/lib/transport"
)

// staticNodes announces the configured neighbors to the connection manager
// and withdraws them again when a reload drops them.
type staticNodes struct {
	mu    sync.Mutex
	nodes map[bundle.EID]*node.Node
}

func newStaticNodes() *staticNodes {
	return &staticNodes{nodes: make(map[bundle.EID]*node.Node)}
}

func buildStaticNodes(list []config.StaticNode) map[bundle.EID]*node.Node {
	out := make(map[bundle.EID]*node.Node, len(list))
	for _, sn := range list {
		eid, err := bundle.ParseEID(sn.EID)
		if err != nil {
			log.WithError(err).WithField("eid", sn.EID).Warn("skipping static node")
			continue
		}
		eid = eid.Node()
		n, ok := out[eid]
		if !ok {
			n = node.New(eid)
			out[eid] = n
		}
		n.Add(sn.URI())
		if sn.ConnectImmediately {
			n.SetConnectImmediately(true)
		}
	}
	return out
}

func sameNode(a, b *node.Node) bool {
	if a.ConnectImmediately() != b.ConnectImmediately() {
		return false
	}
	ua, ub := a.URIs(), b.URIs()
	if len(ua) != len(ub) {
		return false
	}
	for i := range ua {
		if !ua[i].Same(ub[i]) || ua[i].Priority != ub[i].Priority {
			return false
		}
	}
	return true
}

// Load replaces the announced static nodes with list.
func (s *staticNodes) Load(cm *transport.ConnectionManager, list []config.StaticNode) {
	next := buildStaticNodes(list)

	s.mu.Lock()
	prev := s.nodes
	s.nodes = next
	s.mu.Unlock()

	added, removed := 0, 0
	for eid, old := range prev {
		if n, ok := next[eid]; ok && sameNode(old, n) {
			continue
		}
		cm.Remove(old)
		removed++
	}
	for eid, n := range next {
		if old, ok := prev[eid]; ok && sameNode(old, n) {
			continue
		}
		cm.Add(n)
		added++
	}
	if added > 0 || removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(staticNodes) Load",
			"added":   added,
			"removed": removed,
		}).Info("static nodes updated")
	}
}
