package query

// decodeInto copies src into dst and percent-decodes it in place, returning
// the number of valid bytes. dst must be at least len(src) long; decoding
// never grows a value. Malformed escapes are kept literally and a decoded
// NUL terminates the value.
func decodeInto(dst []byte, src string) int {
	n := copy(dst, src)
	buf := dst[:n]

	w := 0
	for r := 0; r < len(buf); r++ {
		c := buf[r]
		if c == '%' && r+2 < len(buf) && isHex(buf[r+1]) && isHex(buf[r+2]) {
			c = unhex(buf[r+1])<<4 | unhex(buf[r+2])
			r += 2
		}
		if c == 0 {
			break
		}
		buf[w] = c
		w++
	}
	return w
}

func isHex(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
		return true
	case 'a' <= c && c <= 'f':
		return true
	case 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
