// Package key defines the key model shared by every backend: normalization of
// Go values into valid keys, their natural ordering and an order-preserving
// byte encoding.
package key

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/myuser/unidb/internal/dberr"
)

// Type ranks, lowest first.
const (
	rankNumber = iota + 1
	rankDate
	rankString
	rankBinary
	rankArray
)

// Normalize converts v into its canonical key form: every numeric kind becomes
// float64, []string becomes []any and array elements are normalized
// recursively. It returns an ArgumentError for values that are not valid keys.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return nil, dberr.Argument("NaN is not a valid key")
		}
		return x, nil
	case float32:
		return Normalize(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, dberr.Argument("invalid numeric key %q", x.String())
		}
		return Normalize(f)
	case string:
		return x, nil
	case []byte:
		return append([]byte{}, x...), nil
	case time.Time:
		return x.UTC(), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, dberr.Argument("invalid key %v of type %T", v, v)
}

// Valid reports whether v can be used as a key.
func Valid(v any) bool {
	_, err := Normalize(v)
	return err == nil
}

func rank(v any) int {
	switch v.(type) {
	case float64:
		return rankNumber
	case time.Time:
		return rankDate
	case string:
		return rankString
	case []byte:
		return rankBinary
	case []any:
		return rankArray
	}
	return 0
}

// Compare orders two keys: number < date < string < binary < array. Arrays
// compare element-wise with a shorter prefix first. Both arguments are
// normalized first; invalid keys sort before every valid key.
func Compare(a, b any) int {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return compare(na, nb)
}

func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return bytes.Compare([]byte(x), []byte(b.(string)))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(x) < len(y):
			return -1
		case len(x) > len(y):
			return 1
		}
	}
	return 0
}

// Equal reports whether a and b are the same key.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == 0
}

// Format renders a key for logs and error messages.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return fmt.Sprintf("%q", x)
	case []byte:
		return fmt.Sprintf("0x%x", x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []any:
		var b bytes.Buffer
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(Format(e))
		}
		b.WriteByte(']')
		return b.String()
	}
	return fmt.Sprint(v)
}
