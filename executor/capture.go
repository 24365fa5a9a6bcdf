//go:build linux

package executor

import (
	"bytes"
	"unicode/utf8"
)

// cappedBuffer keeps the first max bytes written to it and discards the rest.
// Writes never fail, so the process writing into the pipe is never blocked
// or killed by SIGPIPE once the cap is reached.
type cappedBuffer struct {
	max       int64
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(maxBytes int64) *cappedBuffer {
	return &cappedBuffer{max: maxBytes}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.truncated {
		return len(p), nil
	}

	room := c.max - int64(c.buf.Len())

	switch {
	case room <= 0:
		if len(p) > 0 {
			c.truncated = true
			c.trimPartialRune()
		}
	case int64(len(p)) > room:
		c.buf.Write(p[:room])
		c.truncated = true
		c.trimPartialRune()
	default:
		c.buf.Write(p)
	}

	return len(p), nil
}

// trimPartialRune drops a UTF-8 sequence cut off by the cap. Invalid bytes
// the program wrote itself are kept.
func (c *cappedBuffer) trimPartialRune() {
	b := c.buf.Bytes()

	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}

		if !utf8.FullRune(b[i:]) {
			c.buf.Truncate(i)
		}

		return
	}
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

// Truncated reports whether any output was discarded.
func (c *cappedBuffer) Truncated() bool {
	return c.truncated
}
