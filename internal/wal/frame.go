package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"vecengine/internal/common"
)

// Magic identifies a WAL frame: u32 magic | u32 length | u64 sequence |
// u64 wall_clock_micros | payload | u32 crc32(payload).
const (
	frameMagic      uint32 = 0xDEADBEEF
	frameFixedBytes        = 4 + 4 + 8 + 8 + 4 // magic+length+seq+clock+crc, excluding payload
	MaxPayloadBytes        = 100 * 1024 * 1024
)

func encodeFrame(seq uint64, op *Operation) ([]byte, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrInternal, "wal: marshal operation", err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, common.NewError(common.ErrInvalidInput, "wal: operation payload exceeds maximum entry size")
	}

	buf := make([]byte, frameFixedBytes+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixMicro()))
	copy(buf[24:24+len(payload)], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[24+len(payload):], crc)
	return buf, nil
}

// decodeFrame reads exactly one frame from r, including its leading magic.
func decodeFrame(r io.Reader) (*Entry, error) {
	var magicBuf [4]byte
	if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
		return nil, err // io.EOF / io.ErrUnexpectedEOF bubble to caller
	}
	if binary.LittleEndian.Uint32(magicBuf[:]) != frameMagic {
		return nil, errBadMagic
	}
	return decodeFrameAfterMagic(r)
}

// decodeFrameAfterMagic reads the remainder of a frame once the caller has
// already confirmed (or, during resync, located) the leading magic.
func decodeFrameAfterMagic(r io.Reader) (*Entry, error) {
	var head [20]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(head[0:4])
	if length == 0 || length > MaxPayloadBytes {
		return nil, fmt.Errorf("wal: implausible payload length %d", length)
	}
	seq := binary.LittleEndian.Uint64(head[4:12])
	clockMicros := binary.LittleEndian.Uint64(head[12:20])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, errBadChecksum
	}

	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, fmt.Errorf("wal: decode operation: %w", err)
	}

	return &Entry{
		Sequence:  seq,
		WallClock: time.UnixMicro(int64(clockMicros)),
		Op:        op,
	}, nil
}

var (
	errBadMagic    = fmt.Errorf("wal: magic mismatch")
	errBadChecksum = fmt.Errorf("wal: checksum mismatch")
)
