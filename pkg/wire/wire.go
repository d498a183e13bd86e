// Package wire is the fixed-size (de)serialization of the control
// message that crosses the session setup channel, plus the
// descriptor for a one-sided data operation. There is no use for a
// self-describing format here: both session partners build from the
// same module version, and the control message is fixed-size by
// construction.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coldmem/farswap/pkg/chunktable"
)

// MessageType enumerates the control-channel message kinds.
type MessageType uint32

const (
	Done MessageType = iota
	GotChunks
	GotSingleChunk
	FreeSize
	Evict
	Activity
	Stop
	RequestChunks
	RequestSingleChunk
	Query
	AvailableToQuery
)

func (t MessageType) String() string {
	switch t {
	case Done:
		return "DONE"
	case GotChunks:
		return "GOT_CHUNKS"
	case GotSingleChunk:
		return "GOT_SINGLE_CHUNK"
	case FreeSize:
		return "FREE_SIZE"
	case Evict:
		return "EVICT"
	case Activity:
		return "ACTIVITY"
	case Stop:
		return "STOP"
	case RequestChunks:
		return "REQUEST_CHUNKS"
	case RequestSingleChunk:
		return "REQUEST_SINGLE_CHUNK"
	case Query:
		return "QUERY"
	case AvailableToQuery:
		return "AVAILABLE_TO_QUERY"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// ControlMessage is the fixed-size two-sided message exchanged while
// establishing or maintaining a session: chunk bindings, free-size
// reports, evictions, keepalives, and teardown.
type ControlMessage struct {
	Buf         [chunktable.MaxRegionNum]uint64
	MappedSize  [chunktable.MaxRegionNum]uint64
	RKey        [chunktable.MaxRegionNum]uint32
	MappedChunk uint32
	Type        MessageType
}

// controlMessageSize is the on-wire byte length of the layout: 4-byte-aligned,
// explicit field order, no padding ambiguity left to the compiler.
const controlMessageSize = chunktable.MaxRegionNum*8 +
	chunktable.MaxRegionNum*8 +
	chunktable.MaxRegionNum*4 +
	4 + 4

// Encode writes m's wire representation to w.
func (m *ControlMessage) Encode(w io.Writer) error {
	buf := make([]byte, controlMessageSize)
	off := 0
	for i := range m.Buf {
		binary.LittleEndian.PutUint64(buf[off:], m.Buf[i])
		off += 8
	}
	for i := range m.MappedSize {
		binary.LittleEndian.PutUint64(buf[off:], m.MappedSize[i])
		off += 8
	}
	for i := range m.RKey {
		binary.LittleEndian.PutUint32(buf[off:], m.RKey[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], m.MappedChunk)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.Type))
	off += 4

	_, err := w.Write(buf[:off])
	return err
}

// Decode reads a ControlMessage's wire representation from r.
func (m *ControlMessage) Decode(r io.Reader) error {
	buf := make([]byte, controlMessageSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	off := 0
	for i := range m.Buf {
		m.Buf[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := range m.MappedSize {
		m.MappedSize[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := range m.RKey {
		m.RKey[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	m.MappedChunk = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	m.Type = MessageType(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	return nil
}

// Opcode identifies the direction of a one-sided data operation.
type Opcode uint32

const (
	Read Opcode = iota
	Write
)

func (o Opcode) String() string {
	if o == Write {
		return "WRITE"
	}
	return "READ"
}

// DataOp describes a single one-sided page operation: always exactly
// PageSize bytes, addressed by a remote address and its registration
// key.
type DataOp struct {
	RemoteAddr uint64
	RKey       uint32
	Length     uint32
	Opcode     Opcode
}

// NewDataOp builds a DataOp targeting chunktable's resolved address,
// always PageSize bytes.
func NewDataOp(addr chunktable.Addr, op Opcode) DataOp {
	return DataOp{
		RemoteAddr: addr.RemoteAddr,
		RKey:       addr.RemoteKey,
		Length:     chunktable.PageSize,
		Opcode:     op,
	}
}
