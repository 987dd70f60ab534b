package archive

import (
	"encoding/binary"
	"errors"
)

// The item stream is a plain concatenation of msgpack maps with no
// outer framing; the decoder needs to know where one record ends and
// the next begins, and the resync path needs to probe candidate
// offsets cheaply. The msgpack library exposes neither, so frame
// lengths are computed here; all actual (de)serialization still goes
// through the library.

var (
	// errShortFrame means the buffer ends inside the first object.
	errShortFrame = errors.New("incomplete msgpack object")
	// errBadFrame means the buffer cannot be the start of an object.
	errBadFrame = errors.New("invalid msgpack object")
)

// frameLen returns the byte length of the first complete msgpack
// object in buf.
func frameLen(buf []byte) (int, error) {
	pos := 0
	need := 1 // objects still to consume
	for need > 0 {
		if pos >= len(buf) {
			return 0, errShortFrame
		}
		b := buf[pos]
		pos++
		need--

		switch {
		case b <= 0x7f || b >= 0xe0: // fixint
		case b >= 0x80 && b <= 0x8f: // fixmap
			need += 2 * int(b&0x0f)
		case b >= 0x90 && b <= 0x9f: // fixarray
			need += int(b & 0x0f)
		case b >= 0xa0 && b <= 0xbf: // fixstr
			pos += int(b & 0x1f)
		default:
			switch b {
			case 0xc0, 0xc2, 0xc3: // nil, false, true
			case 0xc1:
				return 0, errBadFrame
			case 0xc4, 0xd9: // bin8, str8
				n, err := length(buf, pos, 1)
				if err != nil {
					return 0, err
				}
				pos += 1 + n
			case 0xc5, 0xda: // bin16, str16
				n, err := length(buf, pos, 2)
				if err != nil {
					return 0, err
				}
				pos += 2 + n
			case 0xc6, 0xdb: // bin32, str32
				n, err := length(buf, pos, 4)
				if err != nil {
					return 0, err
				}
				pos += 4 + n
			case 0xc7: // ext8
				n, err := length(buf, pos, 1)
				if err != nil {
					return 0, err
				}
				pos += 1 + 1 + n
			case 0xc8: // ext16
				n, err := length(buf, pos, 2)
				if err != nil {
					return 0, err
				}
				pos += 2 + 1 + n
			case 0xc9: // ext32
				n, err := length(buf, pos, 4)
				if err != nil {
					return 0, err
				}
				pos += 4 + 1 + n
			case 0xca, 0xce, 0xd2: // float32, uint32, int32
				pos += 4
			case 0xcb, 0xcf, 0xd3: // float64, uint64, int64
				pos += 8
			case 0xcc, 0xd0: // uint8, int8
				pos++
			case 0xcd, 0xd1: // uint16, int16
				pos += 2
			case 0xd4, 0xd5, 0xd6, 0xd7, 0xd8: // fixext 1/2/4/8/16
				pos += 1 + (1 << (b - 0xd4))
			case 0xdc: // array16
				n, err := length(buf, pos, 2)
				if err != nil {
					return 0, err
				}
				pos += 2
				need += n
			case 0xdd: // array32
				n, err := length(buf, pos, 4)
				if err != nil {
					return 0, err
				}
				pos += 4
				need += n
			case 0xde: // map16
				n, err := length(buf, pos, 2)
				if err != nil {
					return 0, err
				}
				pos += 2
				need += 2 * n
			case 0xdf: // map32
				n, err := length(buf, pos, 4)
				if err != nil {
					return 0, err
				}
				pos += 4
				need += 2 * n
			default:
				return 0, errBadFrame
			}
		}
		if pos > len(buf) {
			return 0, errShortFrame
		}
	}
	return pos, nil
}

func length(buf []byte, pos, width int) (int, error) {
	if pos+width > len(buf) {
		return 0, errShortFrame
	}
	switch width {
	case 1:
		return int(buf[pos]), nil
	case 2:
		return int(binary.BigEndian.Uint16(buf[pos:])), nil
	default:
		v := binary.BigEndian.Uint32(buf[pos:])
		if v > 1<<30 {
			return 0, errBadFrame
		}
		return int(v), nil
	}
}
