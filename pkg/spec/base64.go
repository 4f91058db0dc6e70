package spec

import (
	"fmt"
	"strings"
)

// Alphabet is the 64-symbol, order-preserving alphabet of token bodies.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

// Int2Base encodes i with 6 bits per char, left-padded to at least pad
// chars. A zero pad means 5.
func Int2Base(i uint64, pad int) string {
	if pad <= 0 {
		pad = 5
	}
	buf := make([]byte, max(11, pad))
	n := len(buf)
	for togo := pad; i != 0 || togo > 0; togo-- {
		n--
		buf[n] = Alphabet[i&63]
		i >>= 6
	}
	return string(buf[n:])
}

// Base2Int decodes a string produced by [Int2Base].
func Base2Int(s string) (uint64, error) {
	if len(s) > 10 {
		return 0, fmt.Errorf("%w: %q overflows", ErrMalformed, s)
	}
	var ret uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(Alphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("%w: %q is not base64", ErrMalformed, s)
		}
		ret = ret<<6 | uint64(d)
	}
	return ret, nil
}
