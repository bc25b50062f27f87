package transport

import (
	"sync"

	"github.com/go-i2p/go-dtn/lib/node"
)

// ProtocolStats counts the transfers handed to one convergence layer.
type ProtocolStats struct {
	Queued    uint64
	Completed uint64
	Aborted   uint64
	Requeued  uint64
	// Bytes is the payload volume queued.
	Bytes uint64
}

type statistics struct {
	mu    sync.Mutex
	perCL map[node.Protocol]*ProtocolStats
}

func newStatistics() *statistics {
	return &statistics{perCL: make(map[node.Protocol]*ProtocolStats)}
}

func (s *statistics) get(p node.Protocol) *ProtocolStats {
	ps, ok := s.perCL[p]
	if !ok {
		ps = &ProtocolStats{}
		s.perCL[p] = ps
	}
	return ps
}

func (s *statistics) queued(p node.Protocol, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.get(p)
	ps.Queued++
	ps.Bytes += bytes
}

func (s *statistics) finished(p node.Protocol, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.get(p)
	switch o {
	case Completed:
		ps.Completed++
	case Aborted:
		ps.Aborted++
	default:
		ps.Requeued++
	}
}

func (s *statistics) snapshot() map[node.Protocol]ProtocolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[node.Protocol]ProtocolStats, len(s.perCL))
	for p, ps := range s.perCL {
		out[p] = *ps
	}
	return out
}

func (s *statistics) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perCL = make(map[node.Protocol]*ProtocolStats)
}
