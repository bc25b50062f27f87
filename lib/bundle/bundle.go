package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidEID      = errors.New("invalid endpoint identifier")
	ErrDontFragment    = errors.New("bundle must not be fragmented")
	ErrInvalidFragment = errors.New("invalid fragment range")
)

// ID identifies a bundle. Two bundles with equal IDs are the same logical
// bundle; fragments of one bundle differ only in Offset and Length.
type ID struct {
	Source    EID
	Timestamp uint64
	Sequence  uint64
	Fragment  bool
	Offset    uint64
	Length    uint64
}

func (id ID) String() string {
	if id.Fragment {
		return fmt.Sprintf("[%d.%d.%d:%d] %s", id.Timestamp, id.Sequence, id.Offset, id.Length, id.Source)
	}
	return fmt.Sprintf("[%d.%d] %s", id.Timestamp, id.Sequence, id.Source)
}

// Less orders IDs by timestamp, sequence, source and fragment range.
func (id ID) Less(other ID) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	if id.Sequence != other.Sequence {
		return id.Sequence < other.Sequence
	}
	if id.Source != other.Source {
		return id.Source < other.Source
	}
	if id.Fragment != other.Fragment {
		return !id.Fragment
	}
	if id.Offset != other.Offset {
		return id.Offset < other.Offset
	}
	return id.Length < other.Length
}

// Parent returns the ID of the unfragmented bundle this ID belongs to.
func (id ID) Parent() ID {
	return ID{Source: id.Source, Timestamp: id.Timestamp, Sequence: id.Sequence}
}

// SameOrigin reports whether both IDs share source, timestamp and sequence.
func (id ID) SameOrigin(other ID) bool {
	return id.Parent() == other.Parent()
}

// Bytes is the canonical byte form used as bloom filter key.
func (id ID) Bytes() []byte {
	buf := make([]byte, 0, len(id.Source)+34)
	buf = append(buf, id.Source...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, id.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, id.Sequence)
	if id.Fragment {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, id.Offset)
		buf = binary.BigEndian.AppendUint64(buf, id.Length)
	}
	return buf
}

// Flags are the primary block processing control flags.
type Flags uint32

const (
	FlagAdminRecord Flags = 1 << (iota + 1)
	FlagDontFragment
	FlagCustodyRequested
	FlagSingleton
	FlagAppAckRequested
)

const (
	FlagReportReception Flags = 1 << (iota + 14)
	FlagReportCustody
	FlagReportForwarding
	FlagReportDelivery
	FlagReportDeletion
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Priority is the bundle class of service.
type Priority int8

const (
	PriorityBulk Priority = iota
	PriorityNormal
	PriorityExpedited
)

// MetaBundle is the routing-relevant projection of a bundle.
type MetaBundle struct {
	ID
	Destination   EID
	ReportTo      EID
	Custodian     EID
	Lifetime      uint64
	Flags         Flags
	AppDataLength uint64
	PayloadLength uint64
	HopLimit      uint8
	HasHopLimit   bool
	Priority      Priority
}

// Expiretime returns the DTN time after which the bundle is dead.
func (m MetaBundle) Expiretime() uint64 {
	return m.Timestamp + m.Lifetime
}

// IsExpired reports whether the bundle lifetime has passed at now.
func (m MetaBundle) IsExpired(now uint64) bool {
	return m.Expiretime() < now
}

func (m MetaBundle) IsSingleton() bool {
	return m.Flags.Has(FlagSingleton)
}

// HopLimitExhausted reports whether the bundle may not travel further.
func (m MetaBundle) HopLimitExhausted() bool {
	return m.HasHopLimit && m.HopLimit == 0
}

// BlockType identifies an extension block.
type BlockType uint8

const (
	BlockPayload         BlockType = 1
	BlockPreviousNode    BlockType = 7
	BlockAge             BlockType = 8
	BlockHopCount        BlockType = 10
	BlockRoutingMetadata BlockType = 200
)

// BlockFlagReplicate marks a block that must be copied into every fragment.
const BlockFlagReplicate uint32 = 1 << 0

// Block is an opaque extension block.
type Block struct {
	Type  BlockType
	Flags uint32
	Data  []byte
}

// Bundle is a full in-memory bundle.
type Bundle struct {
	MetaBundle
	Blocks  []Block
	Payload []byte
}

// New creates a singleton bundle with a copy of payload.
func New(source, destination EID, payload []byte) *Bundle {
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Bundle{
		MetaBundle: MetaBundle{
			ID:            ID{Source: source},
			Destination:   destination,
			ReportTo:      NoneEID,
			Custodian:     NoneEID,
			Flags:         FlagSingleton,
			AppDataLength: uint64(len(p)),
			PayloadLength: uint64(len(p)),
			Priority:      PriorityNormal,
		},
		Payload: p,
	}
}

// Meta returns the metadata with payload lengths derived from the payload.
func (b *Bundle) Meta() MetaBundle {
	m := b.MetaBundle
	m.PayloadLength = uint64(len(b.Payload))
	if m.Fragment {
		m.Length = m.PayloadLength
	} else {
		m.AppDataLength = m.PayloadLength
	}
	return m
}

// Size is the number of payload and block data bytes carried.
func (b *Bundle) Size() uint64 {
	size := uint64(len(b.Payload))
	for _, blk := range b.Blocks {
		size += uint64(len(blk.Data))
	}
	return size
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	c := &Bundle{MetaBundle: b.MetaBundle}
	c.Payload = append([]byte(nil), b.Payload...)
	if b.Blocks != nil {
		c.Blocks = make([]Block, len(b.Blocks))
		for i, blk := range b.Blocks {
			c.Blocks[i] = Block{Type: blk.Type, Flags: blk.Flags, Data: append([]byte(nil), blk.Data...)}
		}
	}
	return c
}

// Block returns the first block of type t.
func (b *Bundle) Block(t BlockType) (Block, bool) {
	for _, blk := range b.Blocks {
		if blk.Type == t {
			return blk, true
		}
	}
	return Block{}, false
}

// SetBlock replaces the first block of the same type or appends blk.
func (b *Bundle) SetBlock(blk Block) {
	for i := range b.Blocks {
		if b.Blocks[i].Type == blk.Type {
			b.Blocks[i] = blk
			return
		}
	}
	b.Blocks = append(b.Blocks, blk)
}
