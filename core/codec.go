package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AppendEncoded appends the framed form of payload, written at offset
// within its segment, to dst.
//
// Layout: length prefix, payload, self offset (uint32 LE), Fletcher-32 of
// the payload (uint32 LE).
func AppendEncoded(dst []byte, offset uint64, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > MaxPayloadSize {
		return dst, fmt.Errorf("payload of %d bytes exceeds %d: %w", n, MaxPayloadSize, ErrInvalidRecord)
	}
	if offset > MaxSegmentOffset {
		return dst, fmt.Errorf("offset %d exceeds segment address space: %w", offset, ErrInvalidRecord)
	}
	switch {
	case n <= MaxDirectLength:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, tagLength16, byte(n), byte(n>>8))
	default:
		dst = append(dst, tagLength24, byte(n), byte(n>>8), byte(n>>16))
	}
	dst = append(dst, payload...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(offset))
	dst = binary.LittleEndian.AppendUint32(dst, Fletcher32(payload))
	return dst, nil
}

// EncodeRecord returns a freshly allocated encoding of r.
func EncodeRecord(r Record) ([]byte, error) {
	return AppendEncoded(make([]byte, 0, r.Size()), r.Offset(), r.Payload)
}

// DecodeHeader reads the length prefix at the start of buf and returns the
// payload length and the prefix size.
func DecodeHeader(buf []byte) (payloadLen int, prefixLen int, err error) {
	if len(buf) < 1 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	tag := buf[0]
	switch {
	case tag <= MaxDirectLength:
		return int(tag), 1, nil
	case tag == tagLength16:
		if len(buf) < 3 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return int(buf[1]) | int(buf[2])<<8, 3, nil
	case tag == tagLength24:
		if len(buf) < 4 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16, 4, nil
	default:
		return 0, 0, fmt.Errorf("invalid length tag 0x%02x", tag)
	}
}

// DecodeRecord decodes the record at the start of buf, expected to live at
// offset within its segment. It returns the payload (aliasing buf) and the
// encoded size. Any failure is reported as a *CorruptError.
func DecodeRecord(buf []byte, offset uint64) ([]byte, int, error) {
	n, prefix, err := DecodeHeader(buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, &CorruptError{Offset: offset, Reason: "truncated length prefix", Err: err}
		}
		return nil, 0, &CorruptError{Offset: offset, Reason: err.Error()}
	}
	size := prefix + n + TrailerSize
	if len(buf) < size {
		return nil, 0, &CorruptError{Offset: offset, Reason: fmt.Sprintf("truncated record: need %d bytes, have %d", size, len(buf)), Err: io.ErrUnexpectedEOF}
	}
	payload := buf[prefix : prefix+n]
	trailer := buf[prefix+n : size]
	if stored := binary.LittleEndian.Uint32(trailer[0:4]); uint64(stored) != offset {
		return nil, 0, &CorruptError{Offset: offset, Reason: fmt.Sprintf("self offset mismatch: stored %d", stored)}
	}
	if stored, sum := binary.LittleEndian.Uint32(trailer[4:8]), Fletcher32(payload); stored != sum {
		return nil, 0, &CorruptError{Offset: offset, Reason: fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", stored, sum)}
	}
	return payload, size, nil
}
