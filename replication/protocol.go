package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/walog/core"
)

// Wire format. All integers are little-endian.
//
//	request:   [cmd:1][fromLsn:8]
//	frame:     [frameLen:4][status:1][body]
//	WAL body:  [lastMasterLsn:8][recordLsn:8][encoded record]
//	ERR body:  [utf8 message]
//
// frameLen counts the bytes that follow it.
const (
	CmdFetch    byte = 0x01
	RequestSize      = 1 + 8

	StatusWAL byte = 0x00
	StatusErr byte = 0x01

	frameLenSize    = 4
	frameHeaderSize = frameLenSize + 1
	walHeaderSize   = 16

	// MaxFrameSize bounds frameLen so a corrupted length cannot make a
	// receiver buffer forever.
	MaxFrameSize = 1 + walHeaderSize + core.MaxPayloadSize + 4 + core.TrailerSize
)

// AppendRequest appends a fetch request for records starting at from
// (core.NoLSN for the first available record).
func AppendRequest(dst []byte, from uint64) []byte {
	dst = append(dst, CmdFetch)
	return binary.LittleEndian.AppendUint64(dst, from)
}

// ParseRequest decodes a fetch request. buf must hold exactly RequestSize bytes.
func ParseRequest(buf []byte) (uint64, error) {
	if len(buf) != RequestSize {
		return 0, fmt.Errorf("request of %d bytes, want %d: %w", len(buf), RequestSize, core.ErrProtocol)
	}
	if buf[0] != CmdFetch {
		return 0, fmt.Errorf("unknown command 0x%02x: %w", buf[0], core.ErrProtocol)
	}
	return binary.LittleEndian.Uint64(buf[1:]), nil
}

// WALFrameSize returns the size of the frame carrying rec.
func WALFrameSize(rec core.Record) int {
	return frameHeaderSize + walHeaderSize + rec.Size()
}

// AppendWALFrame appends a frame carrying rec and the master's last LSN.
func AppendWALFrame(dst []byte, masterLast uint64, rec core.Record) ([]byte, error) {
	bodyLen := 1 + walHeaderSize + rec.Size()
	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))
	dst = append(dst, StatusWAL)
	dst = binary.LittleEndian.AppendUint64(dst, masterLast)
	dst = binary.LittleEndian.AppendUint64(dst, rec.LSN)
	return core.AppendEncoded(dst, rec.Offset(), rec.Payload)
}

// AppendErrFrame appends an error frame carrying msg.
func AppendErrFrame(dst []byte, msg string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(1+len(msg)))
	dst = append(dst, StatusErr)
	return append(dst, msg...)
}

// Frame is a decoded response frame. Record.Payload aliases the input buffer.
type Frame struct {
	Status     byte
	MasterLast uint64
	Record     core.Record
	Message    string
}

// NextFrame decodes the first complete frame in buf. It returns the number of
// bytes consumed, or 0 with a nil error when buf does not yet hold a whole
// frame.
func NextFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameLenSize {
		return Frame{}, 0, nil
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf))
	if bodyLen < 1 || bodyLen > MaxFrameSize {
		return Frame{}, 0, fmt.Errorf("invalid frame length %d: %w", bodyLen, core.ErrProtocol)
	}
	total := frameLenSize + bodyLen
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	f, err := parseFrameBody(buf[frameLenSize:total])
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

func parseFrameBody(body []byte) (Frame, error) {
	f := Frame{Status: body[0]}
	body = body[1:]
	switch f.Status {
	case StatusErr:
		f.Message = string(body)
		return f, nil
	case StatusWAL:
		if len(body) < walHeaderSize+core.MinRecordSize {
			return f, fmt.Errorf("short WAL frame of %d bytes: %w", len(body), core.ErrProtocol)
		}
		f.MasterLast = binary.LittleEndian.Uint64(body[0:8])
		f.Record.LSN = binary.LittleEndian.Uint64(body[8:16])
		payload, size, err := core.DecodeRecord(body[walHeaderSize:], f.Record.Offset())
		if err != nil {
			return f, fmt.Errorf("record %s: %w", core.FormatLSN(f.Record.LSN), err)
		}
		if size != len(body)-walHeaderSize {
			return f, fmt.Errorf("WAL frame carries %d trailing bytes: %w", len(body)-walHeaderSize-size, core.ErrProtocol)
		}
		f.Record.Payload = payload
		return f, nil
	default:
		return f, fmt.Errorf("unknown frame status 0x%02x: %w", f.Status, core.ErrProtocol)
	}
}
