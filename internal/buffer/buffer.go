// Package buffer implements the owned, resizable byte sequence used for
// HTTP headers and bodies. A buffer has a single owner and a hard maximum
// size; appending past that maximum is a permanent failure, matching the
// ExceededMaxBufferSize error of the relay's error vocabulary.
package buffer

import "github.com/fungusproxy/socks5intercept/internal/proxyerr"

// Limited is a growable []byte with an enforced maximum size. Its zero
// value is not usable; construct with New.
type Limited struct {
	max  int
	data []byte
}

// New returns an empty buffer that refuses to grow past max bytes.
func New(max int) *Limited {
	return &Limited{max: max}
}

// Append adds p to the buffer, growing it as needed. It returns
// proxyerr.ErrExceededMaxBufferSize without modifying the buffer if doing
// so would exceed the configured maximum.
func (b *Limited) Append(p []byte) error {
	if len(b.data)+len(p) > b.max {
		return proxyerr.ErrExceededMaxBufferSize
	}
	b.data = append(b.data, p...)
	return nil
}

// Len returns the number of bytes currently held.
func (b *Limited) Len() int { return len(b.data) }

// Bytes returns the buffer's contents. The caller must not retain the
// slice past the buffer's lifetime if further Append calls may reallocate
// it; callers that need a stable copy should clone it.
func (b *Limited) Bytes() []byte { return b.data }

// Max returns the configured maximum size.
func (b *Limited) Max() int { return b.max }
