// Package httpparse implements a hand-written, incremental HTTP/1.1
// request parser with anti-smuggling and anti-slowloris protections,
// operating directly over a net.Conn under a caller-supplied deadline.
//
// Header lines are not views into one shared buffer: each line is read
// into its own slice, and each header's name and value are copied into
// the returned Request as strings. The total number of bytes read for
// the request line plus headers is bounded by Limits.MaxHeaderBytes.
package httpparse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// Limits bounds what the parser will accept.
type Limits struct {
	// MaxHeaderBytes caps the request line + header block combined.
	MaxHeaderBytes int
	// MaxBodyBytes caps the request body regardless of framing.
	MaxBodyBytes int64
	// HeaderTimeout bounds how long the full header block may take to
	// arrive, measured from the moment Parse is called (so time spent
	// waiting for the first byte counts against it).
	HeaderTimeout time.Duration
}

// ErrHeaderTooLarge is the sentinel returned by the internal header
// byte-cap reader once more than Limits.MaxHeaderBytes bytes have been
// consumed without finding the end of the header block.
var ErrHeaderTooLarge = errors.New("httpparse: header block exceeds cap")

// Parse reads one HTTP request from conn. On success it returns a
// Request whose Body is positioned at byte 0 and capped to
// limits.MaxBodyBytes. On failure it returns a *Error classifying why.
func Parse(conn net.Conn, limits Limits) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(limits.HeaderTimeout)); err != nil {
		return nil, newError(KindMalformed, "set read deadline: "+err.Error())
	}

	capped := &headerCapReader{r: conn, limit: limits.MaxHeaderBytes}
	br := bufio.NewReaderSize(capped, limits.MaxHeaderBytes+64)

	requestLine, err := readLine(br)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	method, target, version, perr := parseRequestLine(requestLine)
	if perr != nil {
		return nil, perr
	}

	var headers []Header
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, classifyReadErr(err)
		}
		if len(line) == 0 {
			break
		}
		h, perr := parseHeaderLine(line)
		if perr != nil {
			return nil, perr
		}
		headers = append(headers, h)
	}

	// The header cap covers the header phase only; the body is bounded
	// by its own cap in frameBody.
	capped.limit = math.MaxInt

	if perr := checkSmuggling(headers); perr != nil {
		return nil, perr
	}

	body, perr := frameBody(br, headers, limits.MaxBodyBytes)
	if perr != nil {
		return nil, perr
	}

	return &Request{
		Method:  method,
		Target:  target,
		Version: version,
		Headers: headers,
		Body:    body,
	}, nil
}

// parseRequestLine parses "METHOD SP target SP HTTP/maj.min".
func parseRequestLine(line []byte) (method, target string, version Version, err *Error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return "", "", Version{}, newError(KindMalformed, "malformed request line")
	}
	if !isToken(parts[0]) {
		return "", "", Version{}, newError(KindMalformed, "invalid method token")
	}
	if len(parts[1]) == 0 {
		return "", "", Version{}, newError(KindMalformed, "empty request target")
	}
	v, ok := parseVersion(parts[2])
	if !ok {
		return "", "", Version{}, newError(KindMalformed, "unsupported HTTP version")
	}
	return strings.ToUpper(string(parts[0])), string(parts[1]), v, nil
}

func parseVersion(b []byte) (Version, bool) {
	s := string(b)
	switch s {
	case "HTTP/1.1":
		return Version{1, 1}, true
	case "HTTP/1.0":
		return Version{1, 0}, true
	default:
		return Version{}, false
	}
}

// parseHeaderLine parses "name:" OWS value OWS.
func parseHeaderLine(line []byte) (Header, *Error) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return Header{}, newError(KindMalformed, "malformed header line")
	}
	name := line[:i]
	if !isToken(name) {
		return Header{}, newError(KindMalformed, "invalid header name")
	}
	value := trimOWS(line[i+1:])
	return Header{Name: strings.ToLower(string(name)), Value: string(value)}, nil
}

// checkSmuggling rejects ambiguous framing that could desynchronise two
// parsers reading the same byte stream.
func checkSmuggling(headers []Header) *Error {
	var contentLengths []string
	var transferEncodings []string
	for _, h := range headers {
		switch h.Name {
		case "content-length":
			contentLengths = append(contentLengths, h.Value)
		case "transfer-encoding":
			transferEncodings = append(transferEncodings, h.Value)
		}
	}

	if len(contentLengths) > 0 && len(transferEncodings) > 0 {
		return newError(KindSmuggling, "both content-length and transfer-encoding present")
	}

	for i := 1; i < len(contentLengths); i++ {
		if strings.TrimSpace(contentLengths[i]) != strings.TrimSpace(contentLengths[0]) {
			return newError(KindSmuggling, "conflicting content-length values")
		}
	}

	if len(transferEncodings) > 0 {
		combined := strings.Join(transferEncodings, ",")
		codings := strings.Split(combined, ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if last != "chunked" {
			return newError(KindSmuggling, "transfer-encoding does not end in chunked")
		}
	}

	return nil
}

// frameBody selects the body reader per the framing headers and wraps
// it in a hard byte cap.
func frameBody(br *bufio.Reader, headers []Header, maxBody int64) (io.Reader, *Error) {
	for _, h := range headers {
		if h.Name == "transfer-encoding" {
			return newCappedReader(newChunkedBody(br), maxBody), nil
		}
	}
	for _, h := range headers {
		if h.Name == "content-length" {
			n, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64)
			if err != nil || n < 0 {
				return nil, newError(KindMalformed, "invalid content-length")
			}
			return newCappedReader(fixedLengthBody(br, n), maxBody), nil
		}
	}
	return bytes.NewReader(nil), nil
}

// classifyReadErr maps a low-level read error into a classified parse
// error.
func classifyReadErr(err error) *Error {
	if errors.Is(err, ErrHeaderTooLarge) {
		return newError(KindTooLarge, "header block exceeds cap")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return newError(KindTimeout, "header read deadline exceeded")
	}
	if errors.Is(err, io.EOF) {
		return newError(KindIncomplete, "connection closed before request complete")
	}
	return newError(KindMalformed, err.Error())
}

// headerCapReader enforces Limits.MaxHeaderBytes on the total number of
// bytes consumed from the underlying connection during the header
// phase, independent of how the bufio.Reader chooses to buffer them.
type headerCapReader struct {
	r     io.Reader
	limit int
	n     int
}

func (h *headerCapReader) Read(p []byte) (int, error) {
	if h.n >= h.limit {
		return 0, ErrHeaderTooLarge
	}
	if len(p) > h.limit-h.n {
		p = p[:h.limit-h.n]
	}
	n, err := h.r.Read(p)
	h.n += n
	return n, err
}
