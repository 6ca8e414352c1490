package httpparse

import "bufio"

// readLine reads one line from r, accepting both CRLF and a bare LF as
// the terminator (robustness per the spec), but rejecting a bare CR
// that is not immediately followed by LF. The returned slice excludes
// the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1] // drop trailing \n
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	for _, b := range line {
		if b == '\r' {
			return nil, newError(KindMalformed, "bare CR in header line")
		}
	}
	return line, nil
}

// trimOWS trims leading and trailing space/tab (RFC 7230 "optional
// whitespace").
func trimOWS(b []byte) []byte {
	start := 0
	for start < len(b) && isOWS(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isOWS(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isOWS(b byte) bool { return b == ' ' || b == '\t' }

// isToken reports whether b contains only valid RFC 7230 tchars, and is
// non-empty.
func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTChar(c) {
			return false
		}
	}
	return true
}

// isTChar reports whether c is a valid token character per RFC 7230 §3.2.6.
func isTChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
