// Package wire implements the length-prefixed, checksum-verified framing
// used between the emulator and the broker, and the tagged-union message
// payloads carried inside each frame.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the number of trailing bytes appended to every frame.
const ChecksumSize = 8

// ErrChecksumMismatch is returned by ReadFrame when the trailing checksum
// does not match the payload. It signals a verifier failure, not an I/O
// error: the caller should close the connection but the process keeps
// running.
var ErrChecksumMismatch = errors.New("wire: frame checksum mismatch")

// Frame is a length-prefixed, checksum-verified message read from the wire.
type Frame struct {
	Payload []byte
}

func checksum(payload []byte) [ChecksumSize]byte {
	full := blake2b.Sum256(payload)
	var out [ChecksumSize]byte
	copy(out[:], full[:ChecksumSize])
	return out
}

// WriteFrame writes a payload to w as:
//   - 4 bytes: payload length as little-endian uint32
//   - N bytes: payload
//   - 8 bytes: truncated blake2b-256 checksum of the payload
//
// The write can be cancelled via ctx.
func WriteFrame(ctx context.Context, w io.Writer, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		size := uint32(len(payload))
		if err := binary.Write(w, binary.LittleEndian, size); err != nil {
			done <- fmt.Errorf("wire: failed to write frame length: %w", err)
			return
		}
		if _, err := w.Write(payload); err != nil {
			done <- fmt.Errorf("wire: failed to write frame payload: %w", err)
			return
		}
		sum := checksum(payload)
		if _, err := w.Write(sum[:]); err != nil {
			done <- fmt.Errorf("wire: failed to write frame checksum: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame reads one frame from r and verifies its checksum. A checksum
// mismatch returns ErrChecksumMismatch; all other errors are I/O errors
// from reading the length prefix, payload, or trailing checksum.
func ReadFrame(ctx context.Context, r io.Reader) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	done := make(chan result, 1)

	go func() {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			done <- result{nil, fmt.Errorf("wire: failed to read frame length: %w", err)}
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			done <- result{nil, fmt.Errorf("wire: failed to read frame payload: %w", err)}
			return
		}

		var sum [ChecksumSize]byte
		if _, err := io.ReadFull(r, sum[:]); err != nil {
			done <- result{nil, fmt.Errorf("wire: failed to read frame checksum: %w", err)}
			return
		}

		if sum != checksum(payload) {
			done <- result{nil, ErrChecksumMismatch}
			return
		}

		done <- result{&Frame{Payload: payload}, nil}
	}()

	select {
	case res := <-done:
		return res.frame, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
