package key

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Encoding tags. Tag order matches the natural type order so that
// bytes.Compare on two encodings equals Compare on the keys.
const (
	tagEnd    byte = 0x00
	tagNumber byte = 0x10
	tagDate   byte = 0x18
	tagString byte = 0x20
	tagBinary byte = 0x30
	tagArray  byte = 0x40

	// Strings and binaries escape 0x00 as 0x00 0xFF and end with 0x00 0x01.
	escape     byte = 0xFF
	terminator byte = 0x01
)

// Encode returns the order-preserving encoding of k. Encodings are
// self-delimiting, so the concatenation of an effective key and a primary key
// sorts by effective key first.
func Encode(k any) ([]byte, error) {
	n, err := Normalize(k)
	if err != nil {
		return nil, err
	}
	return appendKey(nil, n), nil
}

// MustEncode is Encode for keys already known to be valid.
func MustEncode(k any) []byte {
	b, err := Encode(k)
	if err != nil {
		panic(err)
	}
	return b
}

func appendKey(b []byte, v any) []byte {
	switch x := v.(type) {
	case float64:
		b = append(b, tagNumber)
		return binary.BigEndian.AppendUint64(b, sortableFloat(x))
	case time.Time:
		b = append(b, tagDate)
		return binary.BigEndian.AppendUint64(b, uint64(x.UnixNano())^(1<<63))
	case string:
		b = append(b, tagString)
		return appendEscaped(b, []byte(x), true)
	case []byte:
		b = append(b, tagBinary)
		return appendEscaped(b, x, true)
	case []any:
		b = append(b, tagArray)
		for _, e := range x {
			b = appendKey(b, e)
		}
		return append(b, tagEnd)
	}
	panic(fmt.Sprintf("key: cannot encode %T", v))
}

func appendEscaped(b, raw []byte, terminate bool) []byte {
	for _, c := range raw {
		if c == 0x00 {
			b = append(b, 0x00, escape)
			continue
		}
		b = append(b, c)
	}
	if terminate {
		b = append(b, 0x00, terminator)
	}
	return b
}

func sortableFloat(f float64) uint64 {
	if f == 0 {
		f = 0 // fold -0
	}
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | 1<<63
}

func unsortableFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

// Decode reads one key from the front of b and returns it with the remaining bytes.
func Decode(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("key: empty encoding")
	}
	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("key: short number encoding")
		}
		return unsortableFloat(binary.BigEndian.Uint64(b[1:9])), b[9:], nil
	case tagDate:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("key: short date encoding")
		}
		n := int64(binary.BigEndian.Uint64(b[1:9]) ^ (1 << 63))
		return time.Unix(0, n).UTC(), b[9:], nil
	case tagString:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(raw), rest, nil
	case tagBinary:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return raw, rest, nil
	case tagArray:
		arr := []any{}
		rest := b[1:]
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("key: unterminated array")
			}
			if rest[0] == tagEnd {
				return arr, rest[1:], nil
			}
			var (
				e   any
				err error
			)
			e, rest, err = Decode(rest)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, e)
		}
	}
	return nil, nil, fmt.Errorf("key: unknown tag 0x%02x", b[0])
}

// DecodeAll decodes b, which must hold exactly one key.
func DecodeAll(b []byte) (any, error) {
	k, rest, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("key: %d trailing bytes", len(rest))
	}
	return k, nil
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case escape:
			out = append(out, 0x00)
			i++
		case terminator:
			return out, b[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("key: bad escape 0x%02x", b[i+1])
		}
	}
	return nil, nil, fmt.Errorf("key: unterminated string")
}

// PrefixEnd returns the smallest byte string greater than every string that
// has b as a prefix, or nil when no such string exists.
func PrefixEnd(b []byte) []byte {
	end := append([]byte{}, b...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Successor returns the smallest byte string strictly greater than b.
func Successor(b []byte) []byte {
	return append(append([]byte{}, b...), 0x00)
}

// prefixEncoding encodes a string, binary or array without its terminator so
// that every key starting with it shares the encoded prefix.
func prefixEncoding(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return appendEscaped([]byte{tagString}, []byte(x), false), nil
	case []byte:
		return appendEscaped([]byte{tagBinary}, x, false), nil
	case []any:
		b := []byte{tagArray}
		for _, e := range x {
			b = appendKey(b, e)
		}
		return b, nil
	}
	return nil, fmt.Errorf("key: %T cannot be a prefix", v)
}
