package srcparser

import (
	"strconv"
)

// singleByteEscapes maps the character after a backslash to the literal byte
// it produces, for every escape except \xNN (handled separately, since it
// consumes two extra hex digits).
var singleByteEscapes = map[byte]byte{
	'n': '\n', 't': '\t', 'r': '\r', '\\': '\\', '0': 0,
	'"': '"', '\'': '\'', 'a': '\a', 'b': '\b', 'f': '\f', 'v': '\v',
}

// ProcessEscapeSequences converts escape sequences (\n, \t, \xNN, ...) in a
// string to their actual byte values. Unknown sequences are preserved as-is.
func ProcessEscapeSequences(s string) string {
	result := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			consumed, b, ok := parseEscapeAt(s, i)
			if ok {
				result = append(result, b...)
				i += consumed
			} else {
				result = append(result, s[i], s[i+1])
				i += 2
			}
		} else {
			result = append(result, s[i])
			i++
		}
	}
	return string(result)
}

// parseEscapeAt parses one escape sequence starting at s[i] (the backslash),
// returning how many characters it consumed and the byte(s) it produced.
func parseEscapeAt(s string, i int) (int, []byte, bool) {
	if i+1 >= len(s) || s[i] != '\\' {
		return 0, nil, false
	}

	if s[i+1] == 'x' {
		if i+3 >= len(s) {
			return 0, nil, false
		}
		val, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
		if err != nil {
			return 0, nil, false
		}
		return 4, []byte{byte(val)}, true
	}

	if b, ok := singleByteEscapes[s[i+1]]; ok {
		return 2, []byte{b}, true
	}
	return 0, nil, false
}
