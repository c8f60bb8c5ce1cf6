// Package framer encodes and decodes the wire format shared by the
// transfer engine and the reassembler. It performs no I/O.
package framer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"
)

// ErrTruncated is returned when a buffer is too short to contain a
// well-formed packet.
var ErrTruncated = errors.New("framer: truncated packet")

// ErrMalformed is returned for an ACK whose magic prefix doesn't match, a
// DATA packet with an invalid compressed flag, a file id longer than 255
// bytes, or a payload that fails to decompress to its declared original
// size. A buffer shorter than its declared lengths yields ErrTruncated;
// bytes past the declared end are ignored.
var ErrMalformed = errors.New("framer: malformed packet")

const ackMagic = "ACK"

// compressionLevel is the DEFLATE-family level used when compressing chunk
// payloads.
const compressionLevel = 6

// Data is a decoded DATA packet.
type Data struct {
	FileID       string
	ChunkID      uint32
	Offset       uint64
	OriginalSize uint32
	Compressed   bool
	ChunkHash    [8]byte // xxhash.Sum64 of the uncompressed payload, big-endian
	Payload      []byte  // on-wire payload: compressed if Compressed is true
}

// Ack is a decoded ACK packet.
type Ack struct {
	FileID  string
	ChunkID uint32
}

// HashPayload computes the 64-bit non-cryptographic digest used for
// per-chunk integrity.
func HashPayload(payload []byte) [8]byte {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], xxhash.Sum64(payload))
	return h
}

// EncodeData encodes a DATA packet. uncompressed is the raw chunk payload;
// EncodeData decides whether to compress it: compression is only
// applied when it strictly reduces size.
func EncodeData(fileID string, chunkID uint32, offset uint64, uncompressed []byte) ([]byte, error) {
	if len(fileID) > 255 {
		return nil, fmt.Errorf("%w: file id too long", ErrMalformed)
	}

	hash := HashPayload(uncompressed)

	payload := uncompressed
	compressed := false
	if c, ok := tryCompress(uncompressed); ok {
		payload = c
		compressed = true
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(byte(len(fileID)))
	buf.WriteString(fileID)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], chunkID)
	buf.Write(tmp[:])

	var tmp8 [8]byte
	binary.BigEndian.PutUint64(tmp8[:], offset)
	buf.Write(tmp8[:])

	binary.BigEndian.PutUint32(tmp[:], uint32(len(uncompressed)))
	buf.Write(tmp[:])

	if compressed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	binary.BigEndian.PutUint32(tmp[:], uint32(len(payload)))
	buf.Write(tmp[:])

	buf.Write(hash[:])
	buf.Write(payload)

	return buf.Bytes(), nil
}

// DecodeData decodes a DATA packet. The payload is returned as it was on
// the wire, still compressed if the packet declares compressed_flag; call
// Decompress to obtain the original chunk bytes.
func DecodeData(b []byte) (*Data, error) {
	r := bytes.NewReader(b)

	fidLen, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}

	fid := make([]byte, fidLen)
	if _, err := io.ReadFull(r, fid); err != nil {
		return nil, ErrTruncated
	}

	var hdr [4 + 8 + 4 + 1 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, ErrTruncated
	}

	chunkID := binary.BigEndian.Uint32(hdr[0:4])
	offset := binary.BigEndian.Uint64(hdr[4:12])
	originalSize := binary.BigEndian.Uint32(hdr[12:16])
	compressedFlag := hdr[16]
	payloadSize := binary.BigEndian.Uint32(hdr[17:21])

	var chunkHash [8]byte
	if _, err := io.ReadFull(r, chunkHash[:]); err != nil {
		return nil, ErrTruncated
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTruncated
	}

	d := &Data{
		FileID:       string(fid),
		ChunkID:      chunkID,
		Offset:       offset,
		OriginalSize: originalSize,
		Compressed:   compressedFlag == 1,
		ChunkHash:    chunkHash,
		Payload:      payload,
	}

	if compressedFlag != 0 && compressedFlag != 1 {
		return nil, fmt.Errorf("%w: invalid compressed flag %d", ErrMalformed, compressedFlag)
	}

	return d, nil
}

// Decompress returns the plaintext chunk payload, decompressing it first if
// the packet's Compressed flag is set. It validates OriginalSize against the
// decompressed length.
func (d *Data) Decompress() ([]byte, error) {
	if !d.Compressed {
		return d.Payload, nil
	}

	fr := flate.NewReader(bytes.NewReader(d.Payload))
	defer fr.Close()

	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
	}
	if uint32(len(out)) != d.OriginalSize {
		return nil, fmt.Errorf("%w: original_size mismatch: declared %d, got %d", ErrMalformed, d.OriginalSize, len(out))
	}
	return out, nil
}

// EncodeAck encodes an ACK packet.
func EncodeAck(fileID string, chunkID uint32) ([]byte, error) {
	if len(fileID) > 255 {
		return nil, fmt.Errorf("%w: file id too long", ErrMalformed)
	}
	buf := &bytes.Buffer{}
	buf.WriteString(ackMagic)
	buf.WriteByte(byte(len(fileID)))
	buf.WriteString(fileID)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], chunkID)
	buf.Write(tmp[:])
	return buf.Bytes(), nil
}

// DecodeAck decodes an ACK packet.
func DecodeAck(b []byte) (*Ack, error) {
	if len(b) < len(ackMagic)+1 {
		return nil, ErrTruncated
	}
	if string(b[:len(ackMagic)]) != ackMagic {
		return nil, ErrMalformed
	}
	r := bytes.NewReader(b[len(ackMagic):])

	fidLen, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	fid := make([]byte, fidLen)
	if _, err := io.ReadFull(r, fid); err != nil {
		return nil, ErrTruncated
	}
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, ErrTruncated
	}
	return &Ack{FileID: string(fid), ChunkID: binary.BigEndian.Uint32(tmp[:])}, nil
}

// tryCompress compresses data with DEFLATE and returns it only if the result
// is strictly smaller.
func tryCompress(data []byte) ([]byte, bool) {
	buf := &bytes.Buffer{}
	w, err := flate.NewWriter(buf, compressionLevel)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}
