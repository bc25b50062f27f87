package bundle

import (
	"github.com/samber/oops"
)

// Slice cuts the payload range [offset, offset+length) out of b. Offsets are
// relative to b's own payload; when b already is a fragment the result is
// expressed relative to the original application data unit.
func Slice(b *Bundle, offset, length uint64) (*Bundle, error) {
	if b.Flags.Has(FlagDontFragment) {
		return nil, ErrDontFragment
	}
	payloadLen := uint64(len(b.Payload))
	if length == 0 || offset >= payloadLen || offset+length > payloadLen {
		return nil, oops.Wrapf(ErrInvalidFragment, "range %d+%d outside payload of %d bytes", offset, length, payloadLen)
	}

	f := &Bundle{MetaBundle: b.MetaBundle}
	base := uint64(0)
	if b.Fragment {
		base = b.Offset
	} else {
		f.AppDataLength = payloadLen
	}
	f.Fragment = true
	f.Offset = base + offset
	f.Length = length
	f.PayloadLength = length
	f.Payload = append([]byte(nil), b.Payload[offset:offset+length]...)

	for _, blk := range b.Blocks {
		if f.Offset == 0 || blk.Flags&BlockFlagReplicate != 0 {
			f.Blocks = append(f.Blocks, Block{Type: blk.Type, Flags: blk.Flags, Data: append([]byte(nil), blk.Data...)})
		}
	}
	return f, nil
}

// Split cuts b into fragments carrying at most maxPayload bytes each, in
// offset order, covering the payload without gaps or overlaps.
func Split(b *Bundle, maxPayload uint64) ([]*Bundle, error) {
	if maxPayload == 0 {
		return nil, oops.Wrapf(ErrInvalidFragment, "fragment payload size must be positive")
	}
	if b.Flags.Has(FlagDontFragment) {
		return nil, ErrDontFragment
	}
	total := uint64(len(b.Payload))
	fragments := make([]*Bundle, 0, (total+maxPayload-1)/maxPayload)
	for offset := uint64(0); offset < total; offset += maxPayload {
		length := maxPayload
		if offset+length > total {
			length = total - offset
		}
		f, err := Slice(b, offset, length)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}
