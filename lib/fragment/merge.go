package fragment

import (
	"errors"
	"sort"

	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
)

var (
	ErrIncomplete = errors.New("fragments do not cover the application data unit")
	ErrMismatch   = errors.New("fragments belong to different bundles")
)

// Chunk is the payload range carried by one fragment.
type Chunk struct {
	Offset uint64
	Length uint64
}

func chunksOf(metas []bundle.MetaBundle) []Chunk {
	chunks := make([]Chunk, 0, len(metas))
	for _, m := range metas {
		chunks = append(chunks, Chunk{Offset: m.Offset, Length: m.Length})
	}
	return chunks
}

// Covered reports whether chunks cover [0, total) without a gap. Overlapping
// chunks are fine.
func Covered(chunks []Chunk, total uint64) bool {
	if total == 0 || len(chunks) == 0 {
		return false
	}
	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var pos uint64
	for _, c := range sorted {
		if c.Offset > pos {
			return false
		}
		if end := c.Offset + c.Length; end > pos {
			pos = end
		}
		if pos >= total {
			return true
		}
	}
	return false
}

// Merge reassembles the original bundle from fragments. The fragments must
// share one origin and cover the whole application data unit; blocks are
// taken from the fragment at offset zero.
func Merge(fragments []*bundle.Bundle) (*bundle.Bundle, error) {
	if len(fragments) == 0 {
		return nil, ErrIncomplete
	}
	sorted := append([]*bundle.Bundle(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	first := sorted[0]
	total := first.AppDataLength
	chunks := make([]Chunk, 0, len(sorted))
	for _, f := range sorted {
		if !f.Fragment {
			return nil, oops.Wrapf(ErrMismatch, "%s is not a fragment", f.ID)
		}
		if !f.ID.SameOrigin(first.ID) || f.AppDataLength != total {
			return nil, oops.Wrapf(ErrMismatch, "%s does not belong to %s", f.ID, first.ID.Parent())
		}
		if f.Offset+uint64(len(f.Payload)) > total {
			return nil, oops.Wrapf(ErrMismatch, "%s exceeds %d bytes of application data", f.ID, total)
		}
		chunks = append(chunks, Chunk{Offset: f.Offset, Length: uint64(len(f.Payload))})
	}
	if !Covered(chunks, total) {
		return nil, ErrIncomplete
	}

	merged := &bundle.Bundle{MetaBundle: first.MetaBundle}
	merged.Fragment = false
	merged.Offset = 0
	merged.Length = 0
	merged.AppDataLength = total
	merged.PayloadLength = total
	merged.Payload = make([]byte, total)
	for _, f := range sorted {
		copy(merged.Payload[f.Offset:], f.Payload)
	}
	for _, blk := range first.Blocks {
		merged.Blocks = append(merged.Blocks, bundle.Block{Type: blk.Type, Flags: blk.Flags, Data: append([]byte(nil), blk.Data...)})
	}
	return merged, nil
}
