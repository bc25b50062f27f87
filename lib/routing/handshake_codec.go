package routing

import (
	"encoding/binary"
	"errors"

	"github.com/samber/oops"
)

// ErrInvalidHandshake is returned for malformed handshake payloads.
var ErrInvalidHandshake = errors.New("invalid handshake message")

// ItemID identifies a handshake item.
type ItemID uint8

const (
	ItemSummaryVector ItemID = 1
	ItemPurgedVector  ItemID = 2
	ItemProphet       ItemID = 3
)

const maxHandshakeItems = 32

type messageType uint8

const (
	messageRequest  messageType = 1
	messageResponse messageType = 2
)

type handshakeItem struct {
	id   ItemID
	data []byte
}

// handshakeMessage is the payload of a handshake bundle:
//
//	type (1 byte) | item count (uvarint) | { id (1 byte) | length (uvarint) | data }
//
// A request lists the wanted items with empty data.
type handshakeMessage struct {
	typ   messageType
	items []handshakeItem
}

func (m *handshakeMessage) add(id ItemID, data []byte) {
	m.items = append(m.items, handshakeItem{id: id, data: data})
}

func (m *handshakeMessage) item(id ItemID) ([]byte, bool) {
	for _, it := range m.items {
		if it.id == id {
			return it.data, true
		}
	}
	return nil, false
}

func (m *handshakeMessage) MarshalBinary() ([]byte, error) {
	if len(m.items) > maxHandshakeItems {
		return nil, oops.In("routing").With("items", len(m.items)).Wrapf(ErrInvalidHandshake, "too many items")
	}
	buf := []byte{byte(m.typ)}
	buf = binary.AppendUvarint(buf, uint64(len(m.items)))
	for _, it := range m.items {
		buf = append(buf, byte(it.id))
		buf = binary.AppendUvarint(buf, uint64(len(it.data)))
		buf = append(buf, it.data...)
	}
	return buf, nil
}

func parseHandshake(data []byte) (*handshakeMessage, error) {
	if len(data) < 2 {
		return nil, ErrInvalidHandshake
	}
	m := &handshakeMessage{typ: messageType(data[0])}
	if m.typ != messageRequest && m.typ != messageResponse {
		return nil, oops.In("routing").With("type", data[0]).Wrapf(ErrInvalidHandshake, "unknown message type")
	}
	count, n := binary.Uvarint(data[1:])
	if n <= 0 || count > maxHandshakeItems {
		return nil, oops.In("routing").Wrapf(ErrInvalidHandshake, "bad item count")
	}
	rest := data[1+n:]
	for i := uint64(0); i < count; i++ {
		if len(rest) < 2 {
			return nil, oops.In("routing").With("item", i).Wrapf(ErrInvalidHandshake, "truncated item")
		}
		id := ItemID(rest[0])
		length, n := binary.Uvarint(rest[1:])
		if n <= 0 || length > uint64(len(rest)-1-n) {
			return nil, oops.In("routing").With("item", i).Wrapf(ErrInvalidHandshake, "bad item length")
		}
		start := 1 + n
		payload := make([]byte, length)
		copy(payload, rest[start:start+int(length)])
		m.add(id, payload)
		rest = rest[start+int(length):]
	}
	return m, nil
}

// encodeSummaryItem prefixes the bloom filter bytes with their lifetime.
func encodeSummaryItem(lifetime uint64, filter []byte) []byte {
	buf := binary.AppendUvarint(nil, lifetime)
	return append(buf, filter...)
}

func decodeSummaryItem(data []byte) (uint64, []byte, error) {
	lifetime, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, oops.In("routing").Wrapf(ErrInvalidHandshake, "bad summary vector lifetime")
	}
	return lifetime, data[n:], nil
}
