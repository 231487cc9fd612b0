// Package httpmsg implements the HTTP message framer (C3): it reads
// exactly one complete HTTP message — a header block terminated by the
// first "\r\n\r\n", followed by a Content-Length or chunked body — off a
// raw socket, preserving the wire bytes exactly as received so the
// message can be forwarded byte-for-byte (after an optional edit).
package httpmsg

import (
	"bytes"
	"strconv"

	"github.com/fungusproxy/socks5intercept/internal/buffer"
	"github.com/fungusproxy/socks5intercept/internal/proxyerr"
	"github.com/fungusproxy/socks5intercept/internal/transport"
)

const (
	// MaxHeaderSize is the hard cap on header bytes (§3).
	MaxHeaderSize = 32000
	// MaxBodySize is the hard cap on body bytes, sized or chunked (§3).
	MaxBodySize = 128000

	peekJump     = 32
	carryoverLen = 3
)

var sentinel = []byte("\r\n\r\n")

// Message is the flat byte buffer of §3's HttpMessage: header block
// immediately followed by zero or more body bytes. HeaderLen marks where
// the header block ends within Buf.
type Message struct {
	Buf       []byte
	HeaderLen int
}

// Body returns the body portion of the message.
func (m *Message) Body() []byte { return m.Buf[m.HeaderLen:] }

// Header returns the header-block portion of the message, including the
// terminating "\r\n\r\n".
func (m *Message) Header() []byte { return m.Buf[:m.HeaderLen] }

// Read parses one complete HTTP message from fd, waiting up to
// timeoutMs per wait step. bothFramingHeaders reports whether the
// message carried both Transfer-Encoding: chunked and Content-Length —
// in which case chunked won, per §3's documented policy — so the caller
// can log the ambiguity.
func Read(fd int, timeoutMs int) (msg *Message, bothFramingHeaders bool, err error) {
	hdr, err := readHeader(fd, timeoutMs)
	if err != nil {
		return nil, false, err
	}

	isChunked, contentLength, both, err := parseFraming(hdr)
	if err != nil {
		return nil, both, err
	}

	var body []byte
	switch {
	case isChunked:
		body, err = readChunkedBody(fd, timeoutMs)
	case contentLength > 0:
		body, err = readSizedBody(fd, timeoutMs, contentLength)
	}
	if err != nil {
		return nil, both, err
	}

	full := make([]byte, 0, len(hdr)+len(body))
	full = append(full, hdr...)
	full = append(full, body...)
	return &Message{Buf: full, HeaderLen: len(hdr)}, both, nil
}

// readHeader implements §4.3's sliding-window strategy: peek up to
// peekJump bytes at a time (without consuming), keeping a 3-byte
// carryover so the 4-byte sentinel is never split across peeks, then
// consume exactly the bytes confirmed present once a match — or a full
// window when there is none yet — is found.
func readHeader(fd int, timeoutMs int) ([]byte, error) {
	hdr := buffer.New(MaxHeaderSize)
	window := make([]byte, carryoverLen+peekJump)

	for {
		peeked, err := transport.PeekWindow(fd, window[carryoverLen:], timeoutMs)
		if err != nil {
			return nil, err
		}
		if peeked == 0 {
			// Wait step timed out with nothing new; keep polling rather
			// than failing the whole read, matching the peek primitive's
			// allow-short semantics.
			continue
		}

		view := window[:carryoverLen+peeked]
		idx := bytes.Index(view, sentinel)

		var toConsume int
		if idx >= 0 {
			toConsume = idx + len(sentinel) - carryoverLen
		} else {
			toConsume = peeked
		}

		consumed := make([]byte, toConsume)
		got, err := transport.RecvExact(fd, consumed, timeoutMs, false)
		if err != nil {
			return nil, err
		}
		if got != toConsume {
			return nil, proxyerr.ErrConnectionTerminated
		}
		if err := hdr.Append(consumed); err != nil {
			return nil, err
		}

		if idx >= 0 {
			return hdr.Bytes(), nil
		}

		n := carryoverLen + peeked
		copy(window[:carryoverLen], view[n-carryoverLen:n])
	}
}

// parseFraming scans a header block for Transfer-Encoding and
// Content-Length (case-insensitively), matching §4.3's rules: chunked
// wins when both are present.
func parseFraming(header []byte) (isChunked bool, contentLength int, bothPresent bool, err error) {
	lower := bytes.ToLower(header)

	if idx := bytes.Index(lower, []byte("transfer-encoding:")); idx >= 0 {
		lineEnd := bytes.IndexByte(lower[idx:], '\r')
		if lineEnd < 0 {
			return false, 0, false, proxyerr.ErrInvalidHTTPSyntax
		}
		valueStart := idx + len("transfer-encoding:")
		line := lower[valueStart : idx+lineEnd]
		for _, tok := range bytes.Split(line, []byte(",")) {
			if string(bytes.TrimSpace(tok)) == "chunked" {
				isChunked = true
				break
			}
		}
	}

	hasCL := false
	clIdx := bytes.Index(lower, []byte("content-length:"))
	if clIdx >= 0 {
		hasCL = true
		i := clIdx + len("content-length:")
		for i < len(lower) && lower[i] == ' ' {
			i++
		}
		digitsStart := i
		for i < len(lower) && lower[i] != '\r' {
			if lower[i] < '0' || lower[i] > '9' {
				return false, 0, false, proxyerr.ErrInvalidHTTPSyntax
			}
			i++
		}
		if i >= len(lower) || i == digitsStart {
			return false, 0, false, proxyerr.ErrInvalidHTTPSyntax
		}
		val, convErr := strconv.Atoi(string(lower[digitsStart:i]))
		if convErr != nil {
			return false, 0, false, proxyerr.ErrInvalidHTTPSyntax
		}
		contentLength = val
	}

	return isChunked, contentLength, isChunked && hasCL, nil
}

// readSizedBody reads exactly contentLength bytes, the Content-Length
// framing mode.
func readSizedBody(fd int, timeoutMs int, contentLength int) ([]byte, error) {
	body := buffer.New(MaxBodySize)
	if contentLength > body.Max() {
		return nil, proxyerr.ErrExceededMaxBufferSize
	}
	raw := make([]byte, contentLength)
	got, err := transport.RecvExact(fd, raw, timeoutMs, false)
	if err != nil {
		return nil, err
	}
	if got != contentLength {
		return nil, proxyerr.ErrConnectionTerminated
	}
	if err := body.Append(raw); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// readChunkedBody reads a sequence of hex-sized chunks terminated by a
// zero-sized chunk, preserving every byte read (hex size lines, CRLFs,
// and chunk data) verbatim in the returned buffer — the framer relays
// wire bytes, it does not decode the encoding.
func readChunkedBody(fd int, timeoutMs int) ([]byte, error) {
	body := buffer.New(MaxBodySize)

	for {
		sizeDigits, err := readChunkSizeLine(fd, timeoutMs, body)
		if err != nil {
			return nil, err
		}
		chunkSize, err := parseHexDigits(sizeDigits)
		if err != nil {
			return nil, err
		}

		if body.Len()+chunkSize+2 > body.Max() {
			return nil, proxyerr.ErrExceededMaxBufferSize
		}

		data := make([]byte, chunkSize+2)
		got, err := transport.RecvExact(fd, data, timeoutMs, false)
		if err != nil {
			return nil, err
		}
		if got != len(data) {
			return nil, proxyerr.ErrConnectionTerminated
		}
		if data[chunkSize] != '\r' || data[chunkSize+1] != '\n' {
			return nil, proxyerr.ErrInvalidHTTPSyntax
		}
		if err := body.Append(data); err != nil {
			return nil, err
		}

		if chunkSize == 0 {
			return body.Bytes(), nil
		}
	}
}

// readChunkSizeLine reads the hex chunk-size line up to and including
// its terminating "\r\n", appending every byte read to body (so it
// survives in the relayed output) and returning just the hex digits.
func readChunkSizeLine(fd int, timeoutMs int, body *buffer.Limited) ([]byte, error) {
	var digits []byte
	for {
		b := make([]byte, 1)
		got, err := transport.RecvExact(fd, b, timeoutMs, false)
		if err != nil {
			return nil, err
		}
		if got != 1 {
			return nil, proxyerr.ErrConnectionTerminated
		}
		if err := body.Append(b); err != nil {
			return nil, err
		}
		if b[0] == '\r' {
			break
		}
		digits = append(digits, b[0])
	}

	nl := make([]byte, 1)
	got, err := transport.RecvExact(fd, nl, timeoutMs, false)
	if err != nil {
		return nil, err
	}
	if got != 1 {
		return nil, proxyerr.ErrConnectionTerminated
	}
	if err := body.Append(nl); err != nil {
		return nil, err
	}
	if nl[0] != '\n' {
		return nil, proxyerr.ErrInvalidHTTPSyntax
	}

	return digits, nil
}

// parseHexDigits converts a run of ASCII hex digits into an integer. A
// charset violation, or an empty run (Open Question 2 of spec.md §9, the
// hex field before '\r' with zero digits), is InvalidHttpSyntax.
func parseHexDigits(digits []byte) (int, error) {
	if len(digits) == 0 {
		return 0, proxyerr.ErrInvalidHTTPSyntax
	}
	size := 0
	for _, c := range digits {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			return 0, proxyerr.ErrInvalidHTTPSyntax
		}
		size = size*16 + v
		if size > MaxBodySize {
			return 0, proxyerr.ErrExceededMaxBufferSize
		}
	}
	return size, nil
}
