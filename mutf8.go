package pnet

import (
	"unicode/utf16"

	"github.com/pkg/errors"
)

// longStringMarker in the uint16 length slot announces an int64 byte count.
const longStringMarker = 0xFFFF

// encodeModifiedUTF8 encodes s the way java.io.DataOutput.writeUTF does:
// NUL and supplementary characters never appear as single or four byte
// sequences. Supplementary characters are written as a surrogate pair of
// three byte sequences.
func encodeModifiedUTF8(s string) []byte {
	units := utf16.Encode([]rune(s))

	n := 0
	for _, u := range units {
		switch {
		case u >= 0x0001 && u <= 0x007F:
			n++
		case u <= 0x07FF:
			n += 2
		default:
			n += 3
		}
	}

	out := make([]byte, 0, n)
	for _, u := range units {
		switch {
		case u >= 0x0001 && u <= 0x007F:
			out = append(out, byte(u))
		case u <= 0x07FF:
			out = append(out,
				0xC0|byte(u>>6)&0x1F,
				0x80|byte(u)&0x3F)
		default:
			out = append(out,
				0xE0|byte(u>>12)&0x0F,
				0x80|byte(u>>6)&0x3F,
				0x80|byte(u)&0x3F)
		}
	}
	return out
}

// decodeModifiedUTF8 is the inverse of encodeModifiedUTF8.
func decodeModifiedUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch c >> 4 {
		case 0, 1, 2, 3, 4, 5, 6, 7:
			units = append(units, uint16(c))
			i++
		case 12, 13:
			if i+1 >= len(b) {
				return "", errors.Wrap(ErrProtocol, "partial character at end of string")
			}
			c2 := b[i+1]
			if c2&0xC0 != 0x80 {
				return "", errors.Wrapf(ErrProtocol, "malformed input around byte %d", i+1)
			}
			units = append(units, uint16(c&0x1F)<<6|uint16(c2&0x3F))
			i += 2
		case 14:
			if i+2 >= len(b) {
				return "", errors.Wrap(ErrProtocol, "partial character at end of string")
			}
			c2, c3 := b[i+1], b[i+2]
			if c2&0xC0 != 0x80 || c3&0xC0 != 0x80 {
				return "", errors.Wrapf(ErrProtocol, "malformed input around byte %d", i+1)
			}
			units = append(units, uint16(c&0x0F)<<12|uint16(c2&0x3F)<<6|uint16(c3&0x3F))
			i += 3
		default:
			return "", errors.Wrapf(ErrProtocol, "malformed input around byte %d", i)
		}
	}
	return string(utf16.Decode(units)), nil
}
