package server

import (
	"bufio"
	"io"
)

// asciiReader converts LF line endings to CRLF on the fly for TYPE A
// downloads. A CR already present in the source is passed through without
// doubling.
type asciiReader struct {
	r         *bufio.Reader
	prevWasCR bool
	pending   bool // a '\n' still owed after an inserted '\r'
}

func newASCIIReader(r io.Reader) io.Reader {
	return &asciiReader{r: bufio.NewReader(r)}
}

func (a *asciiReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if a.pending {
			p[n] = '\n'
			n++
			a.pending = false
			continue
		}

		b, err := a.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if b == '\n' && !a.prevWasCR {
			p[n] = '\r'
			n++
			a.pending = true
			a.prevWasCR = false
			continue
		}

		a.prevWasCR = b == '\r'
		p[n] = b
		n++
	}
	return n, nil
}

// asciiWriter normalizes CRLF line endings back to LF for TYPE A uploads.
// Despite the name it is a reader: it wraps the data socket on the way
// into the storage backend.
type asciiWriter struct {
	r *bufio.Reader
}

func newASCIIWriter(r io.Reader) io.Reader {
	return &asciiWriter{r: bufio.NewReader(r)}
}

func (a *asciiWriter) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := a.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		if b == '\r' {
			next, err := a.r.Peek(1)
			if err == nil && next[0] == '\n' {
				// Drop the CR of a CRLF pair.
				continue
			}
		}

		p[n] = b
		n++

		if a.r.Buffered() == 0 && n > 0 {
			return n, nil
		}
	}
	return n, nil
}
