package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind discriminates the tagged union carried inside a Frame payload.
type Kind byte

const (
	KindLoadMetadata    Kind = 0
	KindTranslatedBlock Kind = 1
	KindExecTB          Kind = 2
)

// EndOfStreamIndex and EndOfStreamPC are the sentinel ExecTB field values
// that signal graceful end-of-stream.
const (
	EndOfStreamIndex = math.MaxUint32
	EndOfStreamPC    = math.MaxUint64
)

// Message is the tagged union of payloads a Frame may carry.
type Message interface {
	Kind() Kind
}

// LoadMetadata carries the emulator's base load address.
type LoadMetadata struct {
	LoadAddr uint64
}

func (LoadMetadata) Kind() Kind { return KindLoadMetadata }

// RawInstruction is one emulator-visible instruction as observed on the wire.
type RawInstruction struct {
	Data []byte
}

// TranslatedBlock registers or replaces the raw instruction sequence for a
// translation block index.
type TranslatedBlock struct {
	Index        uint32
	Instructions []RawInstruction
}

func (TranslatedBlock) Kind() Kind { return KindTranslatedBlock }

// MemAccess is one memory-access record attached to an ExecTB event,
// indexed by in-TB raw instruction index.
type MemAccess struct {
	Index   uint32
	IsStore bool
	VAddr   uint64
	Size    uint32
}

// ExecTB reports execution of a translation block, optionally carrying
// memory-access records. The sentinel pair (EndOfStreamIndex, EndOfStreamPC)
// signals end-of-stream rather than a real execution event.
type ExecTB struct {
	Index       uint32
	PC          uint64
	MemAccesses []MemAccess
}

func (ExecTB) Kind() Kind { return KindExecTB }

// IsEndOfStream reports whether this event is the end-of-stream sentinel.
func (e ExecTB) IsEndOfStream() bool {
	return e.Index == EndOfStreamIndex && e.PC == EndOfStreamPC
}

// EndOfStream builds the sentinel ExecTB event.
func EndOfStream() ExecTB {
	return ExecTB{Index: EndOfStreamIndex, PC: EndOfStreamPC}
}

// Encode serializes a Message to its wire payload (tag byte + body).
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case LoadMetadata:
		buf := make([]byte, 9)
		buf[0] = byte(KindLoadMetadata)
		binary.LittleEndian.PutUint64(buf[1:], m.LoadAddr)
		return buf, nil
	case TranslatedBlock:
		buf := []byte{byte(KindTranslatedBlock)}
		buf = appendU32(buf, m.Index)
		buf = appendU32(buf, uint32(len(m.Instructions)))
		for _, inst := range m.Instructions {
			buf = appendU16(buf, uint16(len(inst.Data)))
			buf = append(buf, inst.Data...)
		}
		return buf, nil
	case ExecTB:
		buf := []byte{byte(KindExecTB)}
		buf = appendU32(buf, m.Index)
		buf = appendU64(buf, m.PC)
		buf = appendU32(buf, uint32(len(m.MemAccesses)))
		for _, ma := range m.MemAccesses {
			buf = appendU32(buf, ma.Index)
			if ma.IsStore {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = appendU64(buf, ma.VAddr)
			buf = appendU32(buf, ma.Size)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

// Decode parses a Frame payload into its tagged Message. An unrecognized
// tag byte is a protocol error: the caller should treat it as an internal
// invariant violation per the broker's error-handling policy, not retry.
func Decode(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: empty message payload")
	}
	body := payload[1:]
	switch Kind(payload[0]) {
	case KindLoadMetadata:
		if len(body) < 8 {
			return nil, fmt.Errorf("wire: truncated LoadMetadata message")
		}
		return LoadMetadata{LoadAddr: binary.LittleEndian.Uint64(body)}, nil
	case KindTranslatedBlock:
		return decodeTranslatedBlock(body)
	case KindExecTB:
		return decodeExecTB(body)
	default:
		return nil, fmt.Errorf("wire: unrecognized message tag %d", payload[0])
	}
}

func decodeTranslatedBlock(body []byte) (Message, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("wire: truncated TranslatedBlock message")
	}
	index := binary.LittleEndian.Uint32(body)
	count := binary.LittleEndian.Uint32(body[4:])
	body = body[8:]

	insts := make([]RawInstruction, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < 2 {
			return nil, fmt.Errorf("wire: truncated TranslatedBlock instruction header")
		}
		length := binary.LittleEndian.Uint16(body)
		body = body[2:]
		if len(body) < int(length) {
			return nil, fmt.Errorf("wire: truncated TranslatedBlock instruction data")
		}
		data := make([]byte, length)
		copy(data, body[:length])
		body = body[length:]
		insts = append(insts, RawInstruction{Data: data})
	}
	return TranslatedBlock{Index: index, Instructions: insts}, nil
}

func decodeExecTB(body []byte) (Message, error) {
	if len(body) < 16 {
		return nil, fmt.Errorf("wire: truncated ExecTB message")
	}
	index := binary.LittleEndian.Uint32(body)
	pc := binary.LittleEndian.Uint64(body[4:])
	count := binary.LittleEndian.Uint32(body[12:])
	body = body[16:]

	accesses := make([]MemAccess, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < 17 {
			return nil, fmt.Errorf("wire: truncated ExecTB memory-access record")
		}
		accesses = append(accesses, MemAccess{
			Index:   binary.LittleEndian.Uint32(body),
			IsStore: body[4] != 0,
			VAddr:   binary.LittleEndian.Uint64(body[5:]),
			Size:    binary.LittleEndian.Uint32(body[13:]),
		})
		body = body[17:]
	}
	return ExecTB{Index: index, PC: pc, MemAccesses: accesses}, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
