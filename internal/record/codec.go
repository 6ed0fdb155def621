// Package record implements the on-disk encoding of a single vector record:
// a length-prefixed, CRC32-checked frame around a fixed binary payload
// (id, float32 vector, canonical-JSON metadata).
package record

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"

	"github.com/google/uuid"

	"vecengine/internal/common"
)

// MaxFrameBytes bounds a single record frame to limit resource use when
// reading corrupt or adversarial input.
const MaxFrameBytes = 100 * 1024 * 1024

// frameOverhead is the length prefix and trailing checksum around the
// payload: 4 bytes length + 4 bytes crc32.
const frameOverhead = 8

// Vector is the atomic unit stored in a collection's segment.
type Vector struct {
	ID       uuid.UUID
	Data     []float32
	Metadata json.RawMessage // canonical JSON object, or nil
}

// ErrTruncated is returned by Decode when a frame's length prefix claims
// more bytes than are available in the reader; callers treat this as a
// clean end of stream (a writer crashed mid-append).
var ErrTruncated = fmt.Errorf("record: truncated frame")

// Encode serializes v into a `u32 length || payload || u32 crc32` frame.
func Encode(v *Vector) ([]byte, error) {
	payload, err := encodePayload(v)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameBytes {
		return nil, common.NewError(common.ErrInvalidInput, "record payload exceeds maximum frame size").
			WithContext("size", len(payload))
	}

	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc)
	return buf, nil
}

// Decode reads one frame from r, returning the decoded vector and the
// total number of bytes consumed (including framing overhead).
func Decode(r io.Reader) (*Vector, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncated
		}
		return nil, 0, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, 0, common.NewError(common.ErrStorageCorrupted, "record: zero-length frame")
	}
	if length > MaxFrameBytes {
		return nil, 0, common.NewError(common.ErrStorageCorrupted, "record: frame length exceeds maximum").
			WithContext("length", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncated
		}
		return nil, 0, err
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncated
		}
		return nil, 0, err
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	gotCRC := crc32.ChecksumIEEE(payload)
	if wantCRC != gotCRC {
		return nil, 0, common.NewError(common.ErrStorageCorrupted, "record: checksum mismatch").
			WithContext("want_crc32", wantCRC).WithContext("got_crc32", gotCRC)
	}

	v, err := decodePayload(payload)
	if err != nil {
		return nil, 0, err
	}
	return v, int(length) + frameOverhead, nil
}

func encodePayload(v *Vector) ([]byte, error) {
	if err := Validate(v.Data); err != nil {
		return nil, err
	}
	meta, err := CanonicalMetadata(v.Metadata)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	idBytes, _ := v.ID.MarshalBinary()
	buf.Write(idBytes) // 16 bytes, fixed

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(v.Data)))
	buf.Write(u32[:])
	for _, f := range v.Data {
		var fb [4]byte
		binary.LittleEndian.PutUint32(fb[:], math.Float32bits(f))
		buf.Write(fb[:])
	}

	binary.LittleEndian.PutUint32(u32[:], uint32(len(meta)))
	buf.Write(u32[:])
	buf.Write(meta)

	return buf.Bytes(), nil
}

func decodePayload(payload []byte) (*Vector, error) {
	if len(payload) < 16+4 {
		return nil, common.NewError(common.ErrStorageCorrupted, "record: payload too short for id+dimension")
	}
	var id uuid.UUID
	if err := id.UnmarshalBinary(payload[0:16]); err != nil {
		return nil, common.NewErrorWithCause(common.ErrStorageCorrupted, "record: invalid id bytes", err)
	}
	off := 16

	dim := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	need := int(dim) * 4
	if off+need+4 > len(payload) {
		return nil, common.NewError(common.ErrStorageCorrupted, "record: vector data runs past payload end")
	}
	data := make([]float32, dim)
	for i := 0; i < int(dim); i++ {
		bits := binary.LittleEndian.Uint32(payload[off : off+4])
		data[i] = math.Float32frombits(bits)
		off += 4
	}

	metaLen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if off+int(metaLen) > len(payload) {
		return nil, common.NewError(common.ErrStorageCorrupted, "record: metadata runs past payload end")
	}
	var meta json.RawMessage
	if metaLen > 0 {
		raw := payload[off : off+int(metaLen)]
		if !json.Valid(raw) {
			return nil, common.NewError(common.ErrStorageCorrupted, "record: metadata is not valid JSON")
		}
		meta = append(json.RawMessage(nil), raw...)
		off += int(metaLen)
	}

	return &Vector{ID: id, Data: data, Metadata: meta}, nil
}

// Validate checks the invariants a vector's float payload must hold:
// no NaN or infinite components. Dimension-against-collection checking is
// the caller's responsibility (the codec does not know the collection).
func Validate(data []float32) error {
	for _, f := range data {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return common.NewError(common.ErrInvalidInput, "vector contains NaN or infinite component")
		}
	}
	return nil
}

// CanonicalMetadata re-serializes arbitrary metadata JSON with sorted object
// keys so two semantically-equal metadata maps always encode to the same
// bytes, which keeps encoded records byte-stable across round trips and
// gives the filter evaluator a single string to reparse.
func CanonicalMetadata(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, common.NewErrorWithCause(common.ErrInvalidInput, "metadata is not valid JSON", err)
	}
	return canonicalize(v)
}

func canonicalize(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}
