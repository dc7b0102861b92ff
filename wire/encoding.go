package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by the Parse helpers when p ends early.
var ErrShortBuffer = errors.New("ssh: short buffer")

func AppendU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func AppendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func AppendString(dst []byte, s []byte) []byte {
	dst = AppendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

// AppendMpint appends the unsigned big-endian integer b in mpint encoding
// (RFC 4251 section 5): leading zeros stripped, a zero byte prepended when
// the high bit is set.
func AppendMpint(dst []byte, b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		dst = AppendU32(dst, uint32(len(b)+1))
		dst = append(dst, 0)
		return append(dst, b...)
	}
	return AppendString(dst, b)
}

// ParseString reads one length-prefixed string from p.
func ParseString(p []byte) (s, rest []byte, err error) {
	if len(p) < 4 {
		return nil, nil, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(p)
	p = p[4:]
	if uint64(n) > uint64(len(p)) {
		return nil, nil, ErrShortBuffer
	}
	return p[:n], p[n:], nil
}

func ParseU32(p []byte) (uint32, []byte, error) {
	if len(p) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(p), p[4:], nil
}

func ParseBool(p []byte) (bool, []byte, error) {
	if len(p) < 1 {
		return false, nil, ErrShortBuffer
	}
	return p[0] != 0, p[1:], nil
}
