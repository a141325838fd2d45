package broker

import (
	"fmt"

	"github.com/eigerco/mcad-broker/pkg/log"
)

// Instruction is a decoded instruction, opaque to the broker beyond its
// address and size. The concrete disassembler is out of scope for this
// module; Decoder is the only capability the broker depends on.
type Instruction struct {
	Addr uint64
	Size int
	Data []byte
}

// Decoder decodes one instruction from the front of code, starting at the
// given virtual address. It returns the decoded instruction and the
// number of bytes consumed. An error means the decoder could not make
// progress at this position; the caller stops decoding the remainder of
// the translation block and keeps whatever was already decoded.
type Decoder interface {
	Decode(code []byte, addr uint64) (Instruction, int, error)
}

// disassemble populates tb.Decoded, tb.VOffsets, and tb.SkewMap from
// tb.Raw, starting at virtual address startAddr. It is a no-op if tb is
// already decoded (decoded is never cleared once populated).
//
// For each raw instruction it repeatedly invokes dec until the raw
// instruction's bytes are fully consumed or the decoder errors. A decoder
// error is logged and ends decoding of the whole translation block; the
// instructions decoded before it are kept. When a
// single raw instruction expands into more than one decoded instruction,
// the skew between raw and decoded indices is recorded in tb.SkewMap so
// that later raw-indexed memory-access events can be translated to the
// correct decoded index.
func disassemble(tb *TranslationBlock, startAddr uint64, dec Decoder) {
	if len(tb.Decoded) > 0 {
		return
	}
	tb.VAddr = startAddr

	var accumulated uint64
	skewOffset := 0
	for rawIdx, raw := range tb.Raw {
		if skewOffset > 0 {
			if tb.SkewMap == nil {
				tb.SkewMap = make(map[int]int)
			}
			tb.SkewMap[rawIdx] = rawIdx + skewOffset
		}

		var j int
		decodedThisRaw := 0
		decodeFailed := false
		for j < len(raw) {
			addr := startAddr + accumulated + uint64(j)
			inst, size, err := dec.Decode(raw[j:], addr)
			if err != nil {
				log.Decode.Warn().Err(err).Uint64("addr", addr).Msg("decode failed; keeping the instructions decoded so far")
				decodeFailed = true
				break
			}
			if size <= 0 {
				size = 1
			}
			inst.Addr = addr
			inst.Size = size
			tb.Decoded = append(tb.Decoded, inst)
			tb.VOffsets = append(tb.VOffsets, accumulated+uint64(j))
			j += size
			decodedThisRaw++
		}
		if decodedThisRaw > 1 {
			skewOffset += decodedThisRaw - 1
		}
		if decodeFailed {
			return
		}
		accumulated += uint64(len(raw))
	}
}

// pickDecoder selects between a primary and an optional secondary decoder
// based on the low bit of the program counter, the generic form of the
// primary/secondary instruction-set mode switch used by dual-mode
// architectures (e.g. ARM/Thumb).
func pickDecoder(primary, secondary Decoder, pc uint64) Decoder {
	if secondary != nil && pc&1 != 0 {
		return secondary
	}
	return primary
}

// ReferenceDecoder is a trivial fixed-width decoder usable as a default
// when no real disassembler plugin is wired in. It decodes every
// instruction as exactly Width bytes; it never errors unless fewer than
// Width bytes remain.
type ReferenceDecoder struct {
	Width int
}

func (d ReferenceDecoder) Decode(code []byte, addr uint64) (Instruction, int, error) {
	width := d.Width
	if width <= 0 {
		width = 4
	}
	if len(code) < width {
		return Instruction{}, 0, fmt.Errorf("broker: not enough bytes to decode a %d-byte instruction", width)
	}
	data := make([]byte, width)
	copy(data, code[:width])
	return Instruction{Addr: addr, Size: width, Data: data}, width, nil
}
